package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/g960059/islandd/internal/api"
	"github.com/g960059/islandd/internal/config"
	"github.com/g960059/islandd/internal/db"
	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/testutil"
	"github.com/g960059/islandd/internal/wire"
)

type memAudit struct {
	mu      sync.Mutex
	records []model.DecisionRecord
}

func (m *memAudit) Write(r *model.DecisionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *r)
}

func (m *memAudit) Close() {}

func (m *memAudit) list() []model.DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DecisionRecord(nil), m.records...)
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	audit *memAudit
	cfg   config.Config
	// dead makes every agent process look exited to the reaper.
	dead *atomic.Bool
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "isld")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := tempDir(t)
	cfg := config.DefaultConfig()
	cfg.HookSocketPath = filepath.Join(dir, "hook.sock")
	cfg.SocketPath = filepath.Join(dir, "ctl.sock")
	cfg.ReapInterval = time.Hour
	return cfg
}

func isUDSUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}

// newFixture serves the control API over httptest and the hook socket for
// real.
func newFixture(t *testing.T, store *db.Store) *fixture {
	t.Helper()
	cfg := testConfig(t)
	dead := &atomic.Bool{}
	deps := Deps{
		Logger: zaptest.NewLogger(t),
		Store:  store,
		Alive:  func(context.Context, int) (bool, error) { return !dead.Load(), nil },
	}
	mem := &memAudit{}
	if store == nil {
		deps.Audit = mem
	}
	srv := NewServer(cfg, deps)
	if err := srv.hook.Start(srv.handleHookEvent, srv.handleDeliveryFailure); err != nil {
		if isUDSUnsupported(err) {
			t.Skipf("unix domain sockets unavailable in this environment: %v", err)
		}
		t.Fatalf("start hook socket: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, audit: mem, cfg: cfg, dead: dead}
}

func (f *fixture) sendHook(t *testing.T, ev wire.Event) net.Conn {
	t.Helper()
	payload, err := wire.EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	conn, err := net.DialTimeout("unix", f.cfg.HookSocketPath, time.Second)
	if err != nil {
		t.Fatalf("dial hook socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write event: %v", err)
	}
	return conn
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

func expectError(t *testing.T, resp *http.Response, data []byte, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, resp.StatusCode, string(data))
	}
	env := decode[api.ErrorResponse](t, data)
	if env.Error.Code != code || env.SchemaVersion != api.SchemaVersion {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(data)
}

// holdRequest opens a permission request correlated through PreToolUse.
func (f *fixture) holdRequest(t *testing.T, session, id string) net.Conn {
	t.Helper()
	pre := testutil.Event(session, wire.KindPreToolUse, wire.StatusRunningTool)
	tool := "Bash"
	pre.Tool = &tool
	pre.ToolInput = wire.Object{{Key: "command", Value: wire.String("ls -la")}}
	pre = pre.WithToolUseID(id)
	_ = readReply(t, f.sendHook(t, pre))

	req := testutil.PermissionRequest(session, "", "Bash")
	req.ToolInput = pre.ToolInput
	conn := f.sendHook(t, req)
	waitFor(t, "pending "+id, func() bool {
		_, ok := f.srv.hook.PendingByID(id)
		return ok
	})
	return conn
}

func TestHealthReportsHookSocket(t *testing.T) {
	f := newFixture(t, nil)
	resp, data := f.do(t, http.MethodGet, "/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	health := decode[api.HealthResponse](t, data)
	if health.Status != "ok" || !health.HookRunning || health.HookSocket != f.cfg.HookSocketPath {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.AuditEnabled {
		t.Fatalf("audit should be disabled without a store")
	}
	if health.StreamID == "" {
		t.Fatalf("expected stream id")
	}
}

func TestSessionsFollowHookEvents(t *testing.T) {
	f := newFixture(t, nil)
	_ = readReply(t, f.sendHook(t, testutil.Event("s1", wire.KindSessionStart, wire.StatusStarting)))
	_ = readReply(t, f.sendHook(t, testutil.Event("s2", wire.KindStop, wire.StatusWaitingForInput)))
	waitFor(t, "two sessions", func() bool { return f.srv.tracker.Len() == 2 })

	resp, data := f.do(t, http.MethodGet, "/v1/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	env := decode[api.SessionsEnvelope](t, data)
	if len(env.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", env.Sessions)
	}
	if env.Sessions[0].SessionID != "s2" || !env.Sessions[0].NeedsUser {
		t.Fatalf("waiting session should sort first: %+v", env.Sessions)
	}
	if env.ByPhase[string(model.PhaseRunning)] != 1 || env.ByPhase[string(model.PhaseWaitingInput)] != 1 {
		t.Fatalf("unexpected by_phase: %+v", env.ByPhase)
	}

	_ = readReply(t, f.sendHook(t, testutil.Event("s1", wire.KindSessionEnd, wire.StatusEnded)))
	waitFor(t, "s1 removed", func() bool { return f.srv.tracker.Len() == 1 })
}

func TestRespondDeliversDecision(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.holdRequest(t, "s1", "toolu_1")

	resp, data := f.do(t, http.MethodGet, "/v1/pending", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list := decode[api.PendingListEnvelope](t, data)
	if len(list.Pending) != 1 || list.Pending[0].ToolUseID != "toolu_1" || list.Pending[0].Tool != "Bash" {
		t.Fatalf("unexpected pending list: %+v", list.Pending)
	}
	if v, ok := list.Pending[0].ToolInput.Get("command"); !ok {
		t.Fatalf("tool input missing: %+v", list.Pending[0])
	} else if s, _ := v.AsString(); s != "ls -la" {
		t.Fatalf("unexpected command %q", s)
	}

	resp, data = f.do(t, http.MethodPost, "/v1/pending/toolu_1/respond", api.RespondRequest{Decision: "allow"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	out := decode[api.RespondResponse](t, data)
	if out.Outcome != "delivered" || out.SessionID != "s1" || out.DecisionID == "" {
		t.Fatalf("unexpected respond response: %+v", out)
	}
	if got := readReply(t, conn); got != `{"decision":"allow","reason":null}` {
		t.Fatalf("unexpected hook reply %q", got)
	}

	records := f.audit.list()
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %+v", records)
	}
	if r := records[0]; r.Outcome != model.OutcomeDelivered || r.Source != model.SourceControlAPI || r.DecisionID != out.DecisionID {
		t.Fatalf("unexpected audit record: %+v", r)
	}

	resp, data = f.do(t, http.MethodPost, "/v1/pending/toolu_1/respond", api.RespondRequest{Decision: "allow"})
	expectError(t, resp, data, http.StatusNotFound, model.ErrRefNotFound)
	if records := f.audit.list(); len(records) != 2 || records[1].Outcome != model.OutcomeNotFound {
		t.Fatalf("not_found respond should be audited: %+v", records)
	}
}

func TestRespondBySessionWithReason(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.holdRequest(t, "s1", "toolu_9")

	resp, data := f.do(t, http.MethodGet, "/v1/sessions/s1/pending", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env := decode[api.PendingEnvelope](t, data); env.Pending.ToolUseID != "toolu_9" {
		t.Fatalf("unexpected pending: %+v", env.Pending)
	}

	resp, data = f.do(t, http.MethodPost, "/v1/sessions/s1/respond", api.RespondRequest{Decision: "DENY", Reason: "not in prod"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	if out := decode[api.RespondResponse](t, data); out.ToolUseID != "toolu_9" || out.Decision != "deny" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if got := readReply(t, conn); got != `{"decision":"deny","reason":"not in prod"}` {
		t.Fatalf("unexpected hook reply %q", got)
	}

	resp, data = f.do(t, http.MethodGet, "/v1/sessions/s1/pending", nil)
	expectError(t, resp, data, http.StatusNotFound, model.ErrRefNotFound)
}

func TestRespondRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.holdRequest(t, "s1", "toolu_1")

	resp, data := f.do(t, http.MethodPost, "/v1/pending/toolu_1/respond", api.RespondRequest{Decision: "maybe"})
	expectError(t, resp, data, http.StatusBadRequest, model.ErrRefInvalid)

	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/v1/pending/toolu_1/respond", strings.NewReader("{"))
	raw, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(raw.Body)
	raw.Body.Close() //nolint:errcheck
	expectError(t, raw, body, http.StatusBadRequest, model.ErrRefInvalid)

	if f.srv.hook.PendingCount() != 1 {
		t.Fatalf("rejected requests must not consume the pending entry")
	}
	if len(f.audit.list()) != 0 {
		t.Fatalf("rejected requests must not be audited")
	}
}

func TestRespondAfterClientLeftIsBadGateway(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.holdRequest(t, "s1", "toolu_1")
	_ = conn.Close()

	resp, data := f.do(t, http.MethodPost, "/v1/pending/toolu_1/respond", api.RespondRequest{Decision: "allow"})
	expectError(t, resp, data, http.StatusBadGateway, model.ErrDeliveryFailed)
	records := f.audit.list()
	if len(records) != 1 || records[0].Outcome != model.OutcomeFailed {
		t.Fatalf("expected failed audit record, got %+v", records)
	}
}

func TestCancelReleasesHookClient(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.holdRequest(t, "s1", "toolu_1")

	resp, data := f.do(t, http.MethodDelete, "/v1/pending/toolu_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	if out := decode[api.CancelResponse](t, data); out.Cancelled != 1 || out.SessionID != "s1" {
		t.Fatalf("unexpected cancel response: %+v", out)
	}
	if got := readReply(t, conn); got != "" {
		t.Fatalf("cancelled client should get no bytes, got %q", got)
	}

	resp, data = f.do(t, http.MethodDelete, "/v1/pending/toolu_1", nil)
	expectError(t, resp, data, http.StatusNotFound, model.ErrRefNotFound)

	records := f.audit.list()
	if len(records) != 1 || records[0].Outcome != model.OutcomeCancelled || records[0].Decision != "" {
		t.Fatalf("unexpected audit records: %+v", records)
	}
}

func TestCancelSessionClosesEveryRequest(t *testing.T) {
	f := newFixture(t, nil)
	a := f.holdRequest(t, "s1", "toolu_a")
	b := f.holdRequest(t, "s1", "toolu_b")
	_ = f.holdRequest(t, "s2", "toolu_c")

	resp, data := f.do(t, http.MethodDelete, "/v1/sessions/s1/pending", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if out := decode[api.CancelResponse](t, data); out.Cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %+v", out)
	}
	for _, conn := range []net.Conn{a, b} {
		if got := readReply(t, conn); got != "" {
			t.Fatalf("expected empty reply, got %q", got)
		}
	}
	if _, ok := f.srv.hook.PendingByID("toolu_c"); !ok {
		t.Fatalf("other session must keep its request")
	}
}

func TestPostToolUseCancelsAsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.holdRequest(t, "s1", "toolu_1")

	post := testutil.Event("s1", wire.KindPostToolUse, wire.StatusProcessing).WithToolUseID("toolu_1")
	_ = readReply(t, f.sendHook(t, post))
	if got := readReply(t, conn); got != "" {
		t.Fatalf("expected empty reply, got %q", got)
	}
	waitFor(t, "audit record", func() bool { return len(f.audit.list()) == 1 })
	if r := f.audit.list()[0]; r.Source != model.SourceTerminal || r.Outcome != model.OutcomeCancelled {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestIDsWithReservedCharactersRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.holdRequest(t, "team/s%1", "toolu/1")

	resp, data := f.do(t, http.MethodGet, "/v1/pending/"+url.PathEscape("toolu/1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup: expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	if got := decode[api.PendingEnvelope](t, data).Pending; got.ToolUseID != "toolu/1" || got.SessionID != "team/s%1" {
		t.Fatalf("unexpected pending item: %+v", got)
	}

	resp, data = f.do(t, http.MethodPost, "/v1/sessions/"+url.PathEscape("team/s%1")+"/respond", api.RespondRequest{Decision: "deny"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond: expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	if got := readReply(t, conn); got != `{"decision":"deny","reason":null}` {
		t.Fatalf("unexpected reply %q", got)
	}
	if f.srv.hook.HasPending("team/s%1") {
		t.Fatalf("request still pending after respond")
	}

	conn = f.holdRequest(t, "team/s%1", "toolu/2")
	resp, data = f.do(t, http.MethodDelete, "/v1/pending/"+url.PathEscape("toolu/2"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	if got := readReply(t, conn); got != "" {
		t.Fatalf("expected empty reply, got %q", got)
	}
}

func TestReaperCancelsDeadSession(t *testing.T) {
	f := newFixture(t, nil)
	_ = readReply(t, f.sendHook(t, testutil.WithPID(testutil.Event("s1", wire.KindSessionStart, wire.StatusStarting), 4242)))
	conn := f.holdRequest(t, "s1", "toolu_1")

	f.dead.Store(true)
	if n := f.srv.reaper.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if got := readReply(t, conn); got != "" {
		t.Fatalf("expected empty reply, got %q", got)
	}
	if f.srv.tracker.Len() != 0 {
		t.Fatalf("session should be forgotten")
	}
	records := f.audit.list()
	if len(records) != 1 || records[0].Source != model.SourceReaper {
		t.Fatalf("unexpected audit records: %+v", records)
	}
}

func TestHistoryRequiresStore(t *testing.T) {
	f := newFixture(t, nil)
	resp, data := f.do(t, http.MethodGet, "/v1/history", nil)
	expectError(t, resp, data, http.StatusNotFound, model.ErrAuditDisabled)
}

func TestHistoryListsPersistedDecisions(t *testing.T) {
	store, _ := testutil.NewStore(t)
	f := newFixture(t, store)
	conn := f.holdRequest(t, "s1", "toolu_1")

	resp, data := f.do(t, http.MethodPost, "/v1/pending/toolu_1/respond", api.RespondRequest{Decision: "allow"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	_ = readReply(t, conn)

	var history api.HistoryEnvelope
	waitFor(t, "persisted decision", func() bool {
		resp, data := f.do(t, http.MethodGet, "/v1/history?session=s1&limit=10", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		history = decode[api.HistoryEnvelope](t, data)
		return len(history.Decisions) == 1
	})
	d := history.Decisions[0]
	if d.ToolUseID != "toolu_1" || d.Decision != "allow" || d.Outcome != "delivered" || d.Source != model.SourceControlAPI {
		t.Fatalf("unexpected history item: %+v", d)
	}
	if !strings.Contains(d.InputPreview, "ls -la") {
		t.Fatalf("expected input preview, got %q", d.InputPreview)
	}

	resp, data = f.do(t, http.MethodGet, "/v1/history?limit=abc", nil)
	expectError(t, resp, data, http.StatusBadRequest, model.ErrRefInvalid)
}

func TestUnknownRoutesUseErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	resp, data := f.do(t, http.MethodGet, "/v2/nothing", nil)
	expectError(t, resp, data, http.StatusNotFound, model.ErrRefNotFound)

	resp, data = f.do(t, http.MethodPut, "/v1/health", nil)
	expectError(t, resp, data, http.StatusMethodNotAllowed, model.ErrMethodNotAllowed)
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.holdRequest(t, "s1", "toolu_1")

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	next := func() api.StreamMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return msg
	}

	snap := next()
	if snap.Type != api.StreamSnapshot || len(snap.Pending) != 1 || len(snap.Sessions) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.Sessions[0].HasPending {
		t.Fatalf("session should report a pending request: %+v", snap.Sessions[0])
	}

	_ = readReply(t, f.sendHook(t, testutil.Event("s2", wire.KindUserPromptSubmit, wire.StatusProcessing)))
	ev := next()
	if ev.Type != api.StreamEvent || ev.SessionID != "s2" || ev.Session == nil || ev.Session.Phase != string(model.PhaseRunning) {
		t.Fatalf("unexpected event message: %+v", ev)
	}
	if ev.Sequence <= snap.Sequence || ev.StreamID != snap.StreamID {
		t.Fatalf("sequence must increase within a stream: %d then %d", snap.Sequence, ev.Sequence)
	}

	resp, data := f.do(t, http.MethodPost, "/v1/pending/toolu_1/respond", api.RespondRequest{Decision: "ask"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(data))
	}
	dec := next()
	if dec.Type != api.StreamDecision || dec.ToolUseID != "toolu_1" || dec.Decision != "ask" || dec.Outcome != "delivered" {
		t.Fatalf("unexpected decision message: %+v", dec)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err != nil && isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server exited early: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestStartServesOverUDSAndCleansUp(t *testing.T) {
	cfg := testConfig(t)
	srv := NewServer(cfg, Deps{Logger: zaptest.NewLogger(t), Audit: &memAudit{}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	waitForSocket(t, cfg.SocketPath, errCh)

	st, err := os.Stat(cfg.SocketPath)
	if err != nil {
		t.Fatalf("stat control socket: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("control socket mode = %v, want 0600", st.Mode().Perm())
	}
	if st, err := os.Stat(cfg.HookSocketPath); err != nil || st.Mode().Perm() != 0o666 {
		t.Fatalf("hook socket should be 0666: %v %v", st, err)
	}

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
	}}
	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("get health over uds: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	second := NewServer(cfg, Deps{Logger: zaptest.NewLogger(t), Audit: &memAudit{}})
	if err := second.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second daemon should fail on the lock, got %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
	for _, path := range []string{cfg.SocketPath, cfg.HookSocketPath} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("socket %s should be removed, stat err=%v", path, err)
		}
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.SocketPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	srv := NewServer(cfg, Deps{Logger: zaptest.NewLogger(t), Audit: &memAudit{}})
	err := srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start to fail")
	}
	if isUDSUnsupported(err) {
		t.Skipf("unix domain sockets unavailable in this environment: %v", err)
	}
	if !strings.Contains(err.Error(), "not unix socket") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(cfg.HookSocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("hook socket should be released after a failed start")
	}
}
