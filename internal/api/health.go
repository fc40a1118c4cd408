package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	StreamID      string    `json:"stream_id"`
	HookSocket    string    `json:"hook_socket"`
	HookRunning   bool      `json:"hook_running"`
	Sessions      int       `json:"sessions"`
	Pending       int       `json:"pending"`
	CachedIDs     int       `json:"cached_ids"`
	AuditEnabled  bool      `json:"audit_enabled"`
	StreamClients int       `json:"stream_clients"`
}
