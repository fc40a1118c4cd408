package hookserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/g960059/islandd/internal/wire"
)

type recorder struct {
	events   chan wire.Event
	mu       sync.Mutex
	failures []string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan wire.Event, 32)}
}

func (r *recorder) onEvent(ev wire.Event) { r.events <- ev }

func (r *recorder) onFailure(session, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, session+"/"+id)
}

func (r *recorder) failureList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

func (r *recorder) next(t *testing.T) wire.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
		return wire.Event{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(wait):
	}
}

// shortSocketPath keeps unix socket paths under the sun_path limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "isl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "hook.sock")
}

func startServer(t *testing.T, opts Options) (*Server, *recorder) {
	t.Helper()
	if opts.SocketPath == "" {
		opts.SocketPath = shortSocketPath(t)
	}
	srv := New(opts, zaptest.NewLogger(t))
	rec := newRecorder()
	if err := srv.Start(rec.onEvent, rec.onFailure); err != nil {
		if isUDSUnsupported(err) {
			t.Skipf("unix domain sockets unavailable in this environment: %v", err)
		}
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, rec
}

func isUDSUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}

func send(t *testing.T, path, payload string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := io.WriteString(conn, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	return conn
}

// readReply reads until the server closes the connection.
func readReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(data)
}

const (
	preToolUse = `{"session_id":"s1","cwd":"/w","event":"PreToolUse","status":"running_tool","pid":42,"tool":"Bash","tool_input":{"command":"ls","timeout":5},"tool_use_id":"t1"}`
	// Same input as preToolUse with members reordered and no id.
	permissionRequest = `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","pid":42,"tool":"Bash","tool_input":{"timeout":5,"command":"ls"}}`
)

func TestPermissionRequestCorrelatedAndAllowed(t *testing.T) {
	srv, rec := startServer(t, Options{})

	pre := send(t, srv.SocketPath(), preToolUse)
	if ev := rec.next(t); ev.Kind != wire.KindPreToolUse {
		t.Fatalf("expected PreToolUse, got %s", ev.Kind)
	}
	if got := readReply(t, pre); got != "" {
		t.Fatalf("PreToolUse must get no reply, got %q", got)
	}

	client := send(t, srv.SocketPath(), permissionRequest)
	ev := rec.next(t)
	if ev.ToolUseIDValue() != "t1" {
		t.Fatalf("expected correlated id t1, got %q", ev.ToolUseIDValue())
	}
	if !srv.HasPending("s1") {
		t.Fatalf("expected pending entry for s1")
	}
	if srv.CachedIDs() != 0 {
		t.Fatalf("expected id to be consumed from cache, got %d", srv.CachedIDs())
	}
	info, ok := srv.GetPending("s1")
	if !ok || info.ToolUseID != "t1" || info.Tool != "Bash" {
		t.Fatalf("unexpected pending info: %+v ok=%v", info, ok)
	}

	if got := srv.Respond("t1", wire.DecisionAllow, ""); got != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
	if got := readReply(t, client); got != `{"decision":"allow","reason":null}` {
		t.Fatalf("unexpected reply %q", got)
	}
	if srv.HasPending("s1") {
		t.Fatalf("pending entry must be removed after respond")
	}
	if got := srv.Respond("t1", wire.DecisionAllow, ""); got != OutcomeNotFound {
		t.Fatalf("second respond must be not_found, got %s", got)
	}
}

func TestPermissionRequestWithEmbeddedIDDenied(t *testing.T) {
	srv, rec := startServer(t, Options{})

	client := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Write","tool_use_id":"own"}`)
	if ev := rec.next(t); ev.ToolUseIDValue() != "own" {
		t.Fatalf("expected embedded id, got %q", ev.ToolUseIDValue())
	}
	if got := srv.Respond("own", wire.DecisionDeny, "not now"); got != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
	if got := readReply(t, client); got != `{"decision":"deny","reason":"not now"}` {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestUncorrelatedPermissionRequestIsForwardedAndClosed(t *testing.T) {
	srv, rec := startServer(t, Options{})

	client := send(t, srv.SocketPath(), permissionRequest)
	ev := rec.next(t)
	if ev.ToolUseID != nil {
		t.Fatalf("expected no id, got %q", ev.ToolUseIDValue())
	}
	if got := readReply(t, client); got != "" {
		t.Fatalf("expected immediate close without reply, got %q", got)
	}
	if srv.HasPending("s1") || srv.PendingCount() != 0 {
		t.Fatalf("nothing may be pending")
	}
}

func TestCorrelationIsFIFOAcrossIdenticalRequests(t *testing.T) {
	srv, rec := startServer(t, Options{})

	send(t, srv.SocketPath(), strings.Replace(preToolUse, `"t1"`, `"a"`, 1))
	rec.next(t)
	send(t, srv.SocketPath(), strings.Replace(preToolUse, `"t1"`, `"b"`, 1))
	rec.next(t)

	send(t, srv.SocketPath(), permissionRequest)
	first := rec.next(t)
	send(t, srv.SocketPath(), permissionRequest)
	second := rec.next(t)
	if first.ToolUseIDValue() != "a" || second.ToolUseIDValue() != "b" {
		t.Fatalf("expected a then b, got %q then %q", first.ToolUseIDValue(), second.ToolUseIDValue())
	}
	if srv.PendingCount() != 2 {
		t.Fatalf("expected two pending, got %d", srv.PendingCount())
	}
}

func TestBackToBackPreToolUseAndPermissionRequestCorrelate(t *testing.T) {
	srv, rec := startServer(t, Options{})

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("toolu_%d", i)
		input := fmt.Sprintf(`{"command":"make step%d"}`, i)
		pre := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PreToolUse","status":"running_tool","tool":"Bash","tool_input":`+input+`,"tool_use_id":"`+id+`"}`)
		_ = pre.Close()
		send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Bash","tool_input":`+input+`}`)

		if ev := rec.next(t); ev.Kind != wire.KindPreToolUse || ev.ToolUseIDValue() != id {
			t.Fatalf("round %d: expected PreToolUse %s first, got %s %q", i, id, ev.Kind, ev.ToolUseIDValue())
		}
		if ev := rec.next(t); ev.Kind != wire.KindPermissionRequest || ev.ToolUseIDValue() != id {
			t.Fatalf("round %d: expected PermissionRequest correlated to %s, got %s %q", i, id, ev.Kind, ev.ToolUseIDValue())
		}
		if got := srv.Respond(id, wire.DecisionAllow, ""); got != OutcomeDelivered {
			t.Fatalf("round %d: respond outcome %s", i, got)
		}
	}
}

func TestQueuedIdenticalRequestsResolveInArrivalOrder(t *testing.T) {
	srv, rec := startServer(t, Options{})

	for _, id := range []string{"a", "b"} {
		_ = send(t, srv.SocketPath(), strings.Replace(preToolUse, `"t1"`, `"`+id+`"`, 1)).Close()
	}
	send(t, srv.SocketPath(), permissionRequest)
	send(t, srv.SocketPath(), permissionRequest)

	var got []string
	for i := 0; i < 4; i++ {
		ev := rec.next(t)
		got = append(got, ev.Kind+":"+ev.ToolUseIDValue())
	}
	want := []string{"PreToolUse:a", "PreToolUse:b", "PermissionRequest:a", "PermissionRequest:b"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRespondBySessionPicksMostRecent(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	srv, rec := startServer(t, Options{Now: now})

	older := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Bash","tool_use_id":"old"}`)
	rec.next(t)
	newer := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Bash","tool_use_id":"new"}`)
	rec.next(t)

	outcome, info := srv.RespondBySession("s1", wire.DecisionAllow, "")
	if outcome != OutcomeDelivered || info.ToolUseID != "new" {
		t.Fatalf("expected delivered to new, got %s %q", outcome, info.ToolUseID)
	}
	if got := readReply(t, newer); got != `{"decision":"allow","reason":null}` {
		t.Fatalf("unexpected reply %q", got)
	}
	if _, ok := srv.PendingByID("old"); !ok {
		t.Fatalf("older entry must still be pending")
	}
	if !srv.Cancel("old") {
		t.Fatalf("cancel old")
	}
	if got := readReply(t, older); got != "" {
		t.Fatalf("cancel must close without reply, got %q", got)
	}
	if outcome, _ := srv.RespondBySession("s1", wire.DecisionAllow, ""); outcome != OutcomeNotFound {
		t.Fatalf("expected not_found, got %s", outcome)
	}
}

func TestSessionEndCancelsPendingAndPurgesCache(t *testing.T) {
	srv, rec := startServer(t, Options{})

	send(t, srv.SocketPath(), strings.Replace(preToolUse, `"t1"`, `"cached"`, 1))
	rec.next(t)
	held := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Edit","tool_use_id":"held"}`)
	rec.next(t)
	other := send(t, srv.SocketPath(), `{"session_id":"s10","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Edit","tool_use_id":"other"}`)
	rec.next(t)

	send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"SessionEnd","status":"ended"}`)
	if ev := rec.next(t); ev.Kind != wire.KindSessionEnd {
		t.Fatalf("expected SessionEnd, got %s", ev.Kind)
	}
	if got := readReply(t, held); got != "" {
		t.Fatalf("expected close without reply, got %q", got)
	}
	if srv.CachedIDs() != 0 {
		t.Fatalf("expected cache purged, got %d", srv.CachedIDs())
	}
	if !srv.HasPending("s10") {
		t.Fatalf("other session must keep its pending entry")
	}
	if got := srv.Respond("other", wire.DecisionAsk, ""); got != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
	if got := readReply(t, other); got != `{"decision":"ask","reason":null}` {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestRespondToDisconnectedClientReportsFailure(t *testing.T) {
	srv, rec := startServer(t, Options{})

	client := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool":"Bash","tool_use_id":"gone"}`)
	rec.next(t)
	_ = client.Close()
	time.Sleep(20 * time.Millisecond)

	if got := srv.Respond("gone", wire.DecisionAllow, ""); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if got := rec.failureList(); len(got) != 1 || got[0] != "s1/gone" {
		t.Fatalf("expected one failure for s1/gone, got %v", got)
	}
	if srv.HasPending("s1") {
		t.Fatalf("failed entry must be removed")
	}
}

func TestRespondRejectsInvalidDecision(t *testing.T) {
	srv, rec := startServer(t, Options{})
	send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool_use_id":"x"}`)
	rec.next(t)

	if got := srv.Respond("x", wire.Decision("maybe"), ""); got != OutcomeInvalid {
		t.Fatalf("expected invalid, got %s", got)
	}
	if !srv.HasPending("s1") {
		t.Fatalf("invalid decision must not consume the entry")
	}
}

func TestMalformedAndEmptyMessagesAreDropped(t *testing.T) {
	srv, rec := startServer(t, Options{QuiescenceWindow: 20 * time.Millisecond, ReadTimeout: 200 * time.Millisecond})

	bad := send(t, srv.SocketPath(), `{"session_id":"s1"`)
	if got := readReply(t, bad); got != "" {
		t.Fatalf("expected close, got %q", got)
	}
	missing := send(t, srv.SocketPath(), `{"session_id":"s1","event":"Stop"}`)
	if got := readReply(t, missing); got != "" {
		t.Fatalf("expected close, got %q", got)
	}
	empty := send(t, srv.SocketPath(), "")
	if got := readReply(t, empty); got != "" {
		t.Fatalf("expected close, got %q", got)
	}
	rec.none(t, 100*time.Millisecond)
}

func TestMessageSplitAcrossWritesIsReassembled(t *testing.T) {
	srv, rec := startServer(t, Options{QuiescenceWindow: 200 * time.Millisecond, ReadTimeout: time.Second})

	payload := `{"session_id":"s1","cwd":"/w","event":"Stop","status":"waiting_for_input"}`
	conn := send(t, srv.SocketPath(), payload[:20])
	time.Sleep(20 * time.Millisecond)
	if _, err := io.WriteString(conn, payload[20:]); err != nil {
		t.Fatalf("write rest: %v", err)
	}
	if ev := rec.next(t); ev.Kind != wire.KindStop || ev.Status != wire.StatusWaitingForInput {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOversizedMessageIsDropped(t *testing.T) {
	srv, rec := startServer(t, Options{MaxMessageBytes: 64})
	conn := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"Stop","status":"waiting_for_input","message":"`+strings.Repeat("x", 100)+`"}`)
	if got := readReply(t, conn); got != "" {
		t.Fatalf("expected close, got %q", got)
	}
	rec.none(t, 100*time.Millisecond)
}

func TestEventsAreForwardedInArrivalOrder(t *testing.T) {
	srv, rec := startServer(t, Options{})
	kinds := []string{wire.KindSessionStart, wire.KindUserPromptSubmit, wire.KindStop}
	for _, kind := range kinds {
		conn := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"`+kind+`","status":"processing"}`)
		readReply(t, conn)
	}
	for _, want := range kinds {
		if got := rec.next(t).Kind; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestStartReplacesStaleSocket(t *testing.T) {
	path := shortSocketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		if isUDSUnsupported(err) {
			t.Skipf("unix domain sockets unavailable: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()
	if _, err := os.Lstat(path); err != nil {
		t.Fatalf("stale socket should remain on disk: %v", err)
	}

	srv, rec := startServer(t, Options{SocketPath: path})
	send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"Stop","status":"waiting_for_input"}`)
	rec.next(t)

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != socketMode {
		t.Fatalf("expected mode %o, got %o", socketMode, st.Mode().Perm())
	}
}

func TestStartRefusesNonSocketPath(t *testing.T) {
	path := shortSocketPath(t)
	if err := os.WriteFile(path, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	srv := New(Options{SocketPath: path}, zaptest.NewLogger(t))
	if err := srv.Start(nil, nil); err == nil {
		srv.Stop()
		t.Fatalf("expected error for non-socket path")
	}
	if srv.Running() {
		t.Fatalf("server must not be running")
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "keep" {
		t.Fatalf("regular file must be left alone: %q %v", data, err)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	srv, _ := startServer(t, Options{})
	if err := srv.Start(nil, nil); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !srv.Running() {
		t.Fatalf("expected running")
	}
}

func TestStopClosesPendingWithoutFailureCallback(t *testing.T) {
	srv, rec := startServer(t, Options{})
	client := send(t, srv.SocketPath(), `{"session_id":"s1","cwd":"/w","event":"PermissionRequest","status":"waiting_for_approval","tool_use_id":"p"}`)
	rec.next(t)

	srv.Stop()
	if got := readReply(t, client); got != "" {
		t.Fatalf("expected close without reply, got %q", got)
	}
	if got := rec.failureList(); len(got) != 0 {
		t.Fatalf("stop must not report failures, got %v", got)
	}
	if _, err := os.Lstat(srv.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("socket must be removed on stop, err=%v", err)
	}
	if got := srv.Respond("p", wire.DecisionAllow, ""); got != OutcomeNotFound {
		t.Fatalf("expected not_found after stop, got %s", got)
	}
	srv.Stop()
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(0); got != acceptBackoffMin {
		t.Fatalf("first backoff = %s", got)
	}
	if got := nextBackoff(acceptBackoffMax); got != acceptBackoffMax {
		t.Fatalf("backoff must cap, got %s", got)
	}
}
