package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/keystore"
	"github.com/termbridge/termbridge/internal/portregistry"
	"github.com/termbridge/termbridge/internal/provider"
	"github.com/termbridge/termbridge/internal/relay"
	"github.com/termbridge/termbridge/internal/rpcinvoker"
	"github.com/termbridge/termbridge/internal/terminal"
)

func TestMain(m *testing.M) {
	config.Cfg.RPCHeartbeatIntervalMS = 60000
	config.Cfg.RPCSessionKeepaliveMS = 300000
	statePollInterval = 10 * time.Millisecond
	os.Exit(m.Run())
}

// event is one recorded emitter call.
type event struct {
	kind    string
	payload string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []event
	ch     chan event
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{ch: make(chan event, 256)}
}

func (e *fakeEmitter) record(kind, payload string) {
	e.mu.Lock()
	e.events = append(e.events, event{kind, payload})
	e.mu.Unlock()
	select {
	case e.ch <- event{kind, payload}:
	default:
	}
}

func (e *fakeEmitter) Authenticated(success bool) {
	e.record("authenticated", fmt.Sprintf("%v", success))
}
func (e *fakeEmitter) CodespacesList(list []provider.Codespace) {
	e.record("codespaces_list", fmt.Sprintf("%d", len(list)))
}
func (e *fakeEmitter) CodespaceState(name, state string, cs *provider.Codespace) {
	e.record("codespace_state", state)
}
func (e *fakeEmitter) Output(data []byte)                     { e.record("output", string(data)) }
func (e *fakeEmitter) PortUpdate(snap portregistry.Snapshot)  { e.record("port_update", "") }
func (e *fakeEmitter) PortInfo(snap portregistry.Snapshot)    { e.record("port_info_response", "") }
func (e *fakeEmitter) DisconnectedFromCodespace()             { e.record("disconnected_from_codespace", "") }
func (e *fakeEmitter) Error(message string)                   { e.record("error", message) }

// waitFor blocks until an event of the kind arrives, returning its payload.
func (e *fakeEmitter) waitFor(t *testing.T, kind string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.kind == kind {
				return ev.payload
			}
		case <-deadline:
			t.Fatalf("event %q never emitted; got %v", kind, e.kinds())
		}
	}
}

func (e *fakeEmitter) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.kind
	}
	return out
}

func (e *fakeEmitter) statePayloads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.kind == "codespace_state" {
			out = append(out, ev.payload)
		}
	}
	return out
}

func (e *fakeEmitter) has(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.kind == kind {
			return true
		}
	}
	return false
}

// fakeProvider serves a single workspace whose state steps through a script.
type fakeProvider struct {
	mu      sync.Mutex
	cs      provider.Codespace
	script  []string // states returned by successive Get calls; last repeats
	listErr error
	started int
}

func (f *fakeProvider) List(ctx context.Context) ([]provider.Codespace, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []provider.Codespace{f.cs}, nil
}

func (f *fakeProvider) Get(ctx context.Context, name string) (*provider.Codespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.cs
	if len(f.script) > 0 {
		cs.State = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	return &cs, nil
}

func (f *fakeProvider) Start(ctx context.Context, cs *provider.Codespace) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Stop(ctx context.Context, cs *provider.Codespace) error { return nil }

func (f *fakeProvider) FindByRepo(ctx context.Context, repoURL string) (*provider.Codespace, error) {
	return &f.cs, nil
}

// fakeRelayConn hands out forwarded ports from a fixed table.
type fakeRelayConn struct {
	mu        sync.Mutex
	forwarded map[int]int
	closed    bool
	trace     io.Writer
}

func (f *fakeRelayConn) Connect(ctx context.Context) error { return nil }

func (f *fakeRelayConn) WaitForForwarded(ctx context.Context, remotePort int) (int, error) {
	f.mu.Lock()
	local, ok := f.forwarded[remotePort]
	f.mu.Unlock()
	if ok {
		return local, nil
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func (f *fakeRelayConn) Listeners() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int)
	for remote, local := range f.forwarded {
		out[local] = remote
	}
	return out
}

func (f *fakeRelayConn) DialRemote(ctx context.Context, remotePort int) (net.Conn, error) {
	return nil, fmt.Errorf("direct dial unavailable")
}

func (f *fakeRelayConn) TraceSink() io.Writer     { return f.trace }
func (f *fakeRelayConn) SetTraceSink(w io.Writer) { f.trace = w }

func (f *fakeRelayConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRelayConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeControl scripts the control-plane invoker.
type fakeControl struct {
	mu           sync.Mutex
	connectErr   error
	startErr     error
	srv          rpcinvoker.SSHServer
	closed       bool
	disconnected int
	reconnected  int
}

func (f *fakeControl) Connect(ctx context.Context, finder rpcinvoker.PortFinder) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	_, err := finder.Find(ctx, portregistry.RPCWellKnownPort, 50*time.Millisecond)
	return err
}

func (f *fakeControl) StartSSHServer(ctx context.Context) (rpcinvoker.SSHServer, error) {
	if f.startErr != nil {
		return rpcinvoker.SSHServer{}, f.startErr
	}
	return f.srv, nil
}

func (f *fakeControl) StartHeartbeat(ctx context.Context) {}

func (f *fakeControl) MarkDisconnected() {
	f.mu.Lock()
	f.disconnected++
	f.mu.Unlock()
}

func (f *fakeControl) MarkReconnected() {
	f.mu.Lock()
	f.reconnected++
	f.mu.Unlock()
}

func (f *fakeControl) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeControl) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeControl) reconnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnected
}

// fakeTerminal is an inert terminal pipe.
type fakeTerminal struct {
	mu     sync.Mutex
	input  []byte
	closed bool
	done   chan struct{}
}

func newFakeTerminal() *fakeTerminal { return &fakeTerminal{done: make(chan struct{})} }

func (f *fakeTerminal) Write(data []byte) error {
	f.mu.Lock()
	f.input = append(f.input, data...)
	f.mu.Unlock()
	return nil
}

func (f *fakeTerminal) Resize(cols, rows int) bool {
	return cols >= terminal.MinDim && cols <= terminal.MaxDim && rows >= terminal.MinDim && rows <= terminal.MaxDim
}

func (f *fakeTerminal) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	f.mu.Unlock()
}

func (f *fakeTerminal) Done() <-chan struct{} { return f.done }

func (f *fakeTerminal) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func availableCodespace() provider.Codespace {
	return provider.Codespace{
		Name:  "ws-1",
		State: "Available",
		Repository: provider.Repository{
			FullName: "octo/app",
			HTMLURL:  "https://github.com/octo/app",
		},
		Connection: &provider.Connection{
			TunnelProperties: provider.TunnelProperties{
				TunnelID:           "tunnel-1",
				ConnectAccessToken: "connect-token",
				ServiceURI:         "wss://relay.example/tunnel-1",
				Domain:             "relay.example",
			},
		},
	}
}

type harness struct {
	session  *Session
	emitter  *fakeEmitter
	provider *fakeProvider
	relay    *fakeRelayConn
	control  *fakeControl
	terminal *fakeTerminal
	dials    int
}

func newHarness(t *testing.T, api *fakeProvider, ctrl *fakeControl, rc *fakeRelayConn) *harness {
	t.Helper()

	keys, err := keystore.NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	em := newFakeEmitter()
	s := New(em, keys, config.DefaultFallbackPorts(), false)

	h := &harness{session: s, emitter: em, provider: api, relay: rc, control: ctrl, terminal: newFakeTerminal()}
	s.newProvider = func(token string) ProviderAPI { return api }
	s.newRelay = func(props relay.Properties) RelayConn { return rc }
	s.newInvoker = func(connID, token string, onLost func()) ControlPlane { return ctrl }
	s.dialSSH = func(ctx context.Context, localPort, remotePort int, srv rpcinvoker.SSHServer, opts terminal.Options) (Terminal, error) {
		h.dials++
		return h.terminal, nil
	}
	t.Cleanup(s.Close)
	return h
}

func defaultHarness(t *testing.T) *harness {
	api := &fakeProvider{cs: availableCodespace()}
	ctrl := &fakeControl{srv: rpcinvoker.SSHServer{Port: 2222, User: "vscode"}}
	rc := &fakeRelayConn{forwarded: map[int]int{16634: 41000, 2222: 42000}}
	return newHarness(t, api, ctrl, rc)
}

func TestHappyPath(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "token-1")
	if got := h.emitter.waitFor(t, "authenticated"); got != "true" {
		t.Fatalf("authenticated = %q", got)
	}

	h.session.ListCodespaces(ctx)
	if got := h.emitter.waitFor(t, "codespaces_list"); got != "1" {
		t.Fatalf("codespaces_list = %q", got)
	}

	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	if h.session.State() != StateStreaming {
		t.Fatalf("state = %q, want Streaming; events %v", h.session.State(), h.emitter.kinds())
	}

	states := h.emitter.statePayloads()
	if len(states) < 2 || states[0] != "Starting" || states[len(states)-1] != "Connected" {
		t.Errorf("codespace_state sequence = %v, want Starting..Connected", states)
	}
	if h.emitter.has("error") {
		t.Errorf("unexpected error among %v", h.emitter.kinds())
	}
	if h.dials != 1 {
		t.Errorf("ssh dials = %d, want 1", h.dials)
	}
}

func TestRetryableStatePollsThrough(t *testing.T) {
	api := &fakeProvider{cs: availableCodespace(), script: []string{"Starting", "Starting", "Available"}}
	ctrl := &fakeControl{srv: rpcinvoker.SSHServer{Port: 2222, User: "vscode"}}
	rc := &fakeRelayConn{forwarded: map[int]int{16634: 41000, 2222: 42000}}
	h := newHarness(t, api, ctrl, rc)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	states := h.emitter.statePayloads()
	if states[len(states)-1] != "Connected" {
		t.Errorf("final state = %v", states)
	}
	if h.emitter.has("error") {
		t.Errorf("retryable wait emitted an error: %v", h.emitter.kinds())
	}
}

func TestShutdownWorkspaceIsStarted(t *testing.T) {
	api := &fakeProvider{cs: availableCodespace(), script: []string{"Shutdown", "Starting", "Available"}}
	ctrl := &fakeControl{srv: rpcinvoker.SSHServer{Port: 2222, User: "vscode"}}
	rc := &fakeRelayConn{forwarded: map[int]int{16634: 41000, 2222: 42000}}
	h := newHarness(t, api, ctrl, rc)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	if api.started != 1 {
		t.Errorf("start calls = %d, want 1", api.started)
	}
	if h.session.State() != StateStreaming {
		t.Errorf("state = %q", h.session.State())
	}
}

func TestRPCPortAbsent(t *testing.T) {
	api := &fakeProvider{cs: availableCodespace()}
	ctrl := &fakeControl{connectErr: fmt.Errorf("%w: nothing found", rpcinvoker.ErrUnreachable)}
	rc := &fakeRelayConn{forwarded: map[int]int{}}
	h := newHarness(t, api, ctrl, rc)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	if got := h.emitter.waitFor(t, "error"); got != "RpcUnreachable" {
		t.Errorf("error = %q, want RpcUnreachable", got)
	}
	states := h.emitter.statePayloads()
	if states[len(states)-1] != "Disconnected" {
		t.Errorf("states = %v, want trailing Disconnected", states)
	}
	if h.session.State() != StateFailed {
		t.Errorf("state = %q, want Failed", h.session.State())
	}
	if !rc.isClosed() {
		t.Error("relay not closed on failure")
	}
}

func TestKeyRejected(t *testing.T) {
	api := &fakeProvider{cs: availableCodespace()}
	ctrl := &fakeControl{startErr: &rpcinvoker.RejectedError{Message: "bad key"}}
	rc := &fakeRelayConn{forwarded: map[int]int{16634: 41000}}
	h := newHarness(t, api, ctrl, rc)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	if got := h.emitter.waitFor(t, "error"); got != "RpcRejected: bad key" {
		t.Errorf("error = %q", got)
	}
	if h.session.State() != StateFailed {
		t.Errorf("state = %q, want Failed", h.session.State())
	}
	if !ctrl.isClosed() {
		t.Error("invoker not closed on failure")
	}
}

func TestBadCredentials(t *testing.T) {
	api := &fakeProvider{listErr: provider.ErrBadCredentials}
	h := newHarness(t, api, &fakeControl{}, &fakeRelayConn{})

	h.session.Authenticate(context.Background(), "bad")
	if got := h.emitter.waitFor(t, "authenticated"); got != "false" {
		t.Errorf("authenticated = %q, want false", got)
	}
	if h.emitter.has("error") {
		t.Error("bad credentials should not emit a separate error")
	}
}

func TestReconnectWithinGrace(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	if h.session.State() != StateStreaming {
		t.Fatalf("state = %q", h.session.State())
	}

	h.session.TransportDropped()
	if h.session.State() != StateReconnectWait {
		t.Fatalf("state after drop = %q", h.session.State())
	}
	if h.control.disconnected != 1 {
		t.Errorf("MarkDisconnected calls = %d", h.control.disconnected)
	}

	em2 := newFakeEmitter()
	if !h.session.Reattach(em2) {
		t.Fatal("Reattach refused within grace")
	}
	if h.session.State() != StateStreaming {
		t.Errorf("state after reattach = %q", h.session.State())
	}
	if h.control.reconnected != 1 {
		t.Errorf("MarkReconnected calls = %d", h.control.reconnected)
	}
	if h.dials != 1 {
		t.Errorf("ssh dials = %d, want 1 (no redial on reattach)", h.dials)
	}
	if got := em2.waitFor(t, "codespace_state"); got != "Connected" {
		t.Errorf("reattach state = %q, want Connected", got)
	}
}

func TestGraceExpiryTearsDown(t *testing.T) {
	old := config.Cfg.RPCSessionKeepaliveMS
	config.Cfg.RPCSessionKeepaliveMS = 50
	defer func() { config.Cfg.RPCSessionKeepaliveMS = old }()

	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	h.session.TransportDropped()

	h.emitter.waitFor(t, "disconnected_from_codespace")
	if h.session.State() != StateClosed {
		t.Errorf("state = %q, want Closed", h.session.State())
	}
	if !h.relay.isClosed() {
		t.Error("relay survived grace expiry")
	}
	if !h.control.isClosed() {
		t.Error("invoker survived grace expiry")
	}
}

func TestChannelLostKeepsSSH(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	h.session.onChannelLost()
	if h.session.State() != StateReconnectWait {
		t.Errorf("state = %q, want ReconnectWait", h.session.State())
	}
	if h.terminal.closed {
		t.Error("SSH pipe torn down on RPC channel loss")
	}
	if h.control.disconnected != 1 {
		t.Errorf("MarkDisconnected calls = %d", h.control.disconnected)
	}
}

func TestSecondConnectDisposesPrevious(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	if h.session.State() != StateStreaming {
		t.Fatalf("state = %q", h.session.State())
	}

	firstRelay, firstCtrl, firstTerm := h.relay, h.control, h.terminal

	rc2 := &fakeRelayConn{forwarded: map[int]int{16634: 41000, 2222: 42000}}
	ctrl2 := &fakeControl{srv: rpcinvoker.SSHServer{Port: 2222, User: "vscode"}}
	term2 := newFakeTerminal()
	h.session.newRelay = func(props relay.Properties) RelayConn { return rc2 }
	h.session.newInvoker = func(connID, token string, onLost func()) ControlPlane { return ctrl2 }
	h.session.dialSSH = func(ctx context.Context, localPort, remotePort int, srv rpcinvoker.SSHServer, opts terminal.Options) (Terminal, error) {
		return term2, nil
	}

	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	if h.session.State() != StateStreaming {
		t.Fatalf("state after reconnect = %q", h.session.State())
	}
	if !firstRelay.isClosed() {
		t.Error("first relay connection was never closed")
	}
	if !firstCtrl.isClosed() {
		t.Error("first invoker was never closed")
	}
	if !firstTerm.isClosed() {
		t.Error("first terminal pipe was never closed")
	}
	if rc2.isClosed() || ctrl2.isClosed() {
		t.Error("second connection closed prematurely")
	}
}

func TestDisconnectInterruptsConnect(t *testing.T) {
	api := &fakeProvider{cs: availableCodespace(), script: []string{"Starting"}}
	ctrl := &fakeControl{srv: rpcinvoker.SSHServer{Port: 2222, User: "vscode"}}
	rc := &fakeRelayConn{forwarded: map[int]int{16634: 41000, 2222: 42000}}
	h := newHarness(t, api, ctrl, rc)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")

	done := make(chan struct{})
	go func() {
		h.session.ConnectCodespace(ctx, "ws-1", "", "")
		close(done)
	}()

	h.emitter.waitFor(t, "codespace_state")
	h.session.DisconnectCodespace()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not stop after disconnect")
	}
	if h.session.State() != StateClosed {
		t.Errorf("state = %q, want Closed", h.session.State())
	}
	if h.emitter.has("error") {
		t.Errorf("interrupted connect surfaced an error: %v", h.emitter.kinds())
	}
}

func TestGraceExpiryFiresOnClosed(t *testing.T) {
	old := config.Cfg.RPCSessionKeepaliveMS
	config.Cfg.RPCSessionKeepaliveMS = 50
	defer func() { config.Cfg.RPCSessionKeepaliveMS = old }()

	h := defaultHarness(t)
	ctx := context.Background()
	closed := make(chan struct{})
	h.session.OnClosed(func() { close(closed) })

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	h.session.TransportDropped()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired after grace expiry")
	}
}

func TestUserDisconnectDoesNotFireOnClosed(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()
	fired := 0
	h.session.OnClosed(func() { fired++ })

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	h.session.DisconnectCodespace()

	if fired != 0 {
		t.Errorf("OnClosed fired %d times on user disconnect, want 0", fired)
	}

	// The session stays usable for another connect on the same transport.
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	if h.session.State() != StateStreaming {
		t.Errorf("state after reconnect = %q, want Streaming", h.session.State())
	}
}

func TestSSHAuthMethods(t *testing.T) {
	keys, err := keystore.NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Generate("conn-1"); err != nil {
		t.Fatal(err)
	}
	auth, err := sshAuth(keys, "conn-1")
	if err != nil || len(auth) != 1 {
		t.Errorf("sshAuth = %d methods, err %v; want 1 method", len(auth), err)
	}

	if _, err := sshAuth(keys, "unknown"); err == nil || !strings.Contains(err.Error(), "SshAuthDenied") {
		t.Errorf("missing keypair err = %v, want SshAuthDenied", err)
	}

	// A public-key override has no private half; the dial falls back to
	// none auth instead of failing.
	override, err := keystore.NewStore("ssh-ed25519 AAAA pre-provisioned")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := override.Generate("conn-2"); err != nil {
		t.Fatal(err)
	}
	auth, err = sshAuth(override, "conn-2")
	if err != nil {
		t.Errorf("override sshAuth err = %v, want none-auth fallback", err)
	}
	if len(auth) != 0 {
		t.Errorf("override sshAuth = %d methods, want 0", len(auth))
	}
}

func TestChannelLostRedialsControlPlane(t *testing.T) {
	oldInit, oldMax := config.ReconnectInitialBackoff, config.ReconnectMaxBackoff
	config.ReconnectInitialBackoff = 5 * time.Millisecond
	config.ReconnectMaxBackoff = 10 * time.Millisecond
	defer func() {
		config.ReconnectInitialBackoff, config.ReconnectMaxBackoff = oldInit, oldMax
	}()

	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	h.session.onChannelLost()

	deadline := time.Now().Add(2 * time.Second)
	for h.session.State() != StateStreaming || h.control.reconnectedCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("no redial: state=%q reconnected=%d",
				h.session.State(), h.control.reconnectedCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDisconnectThenReconnectDifferentCodespace(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")
	h.session.DisconnectCodespace()

	if !h.emitter.has("disconnected_from_codespace") {
		t.Fatalf("events = %v", h.emitter.kinds())
	}
	if !h.relay.isClosed() || !h.control.isClosed() {
		t.Error("resources not released on disconnect")
	}
	h.session.DisconnectCodespace() // idempotent
}

func TestInputResizeForwarding(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	h.session.Input([]byte("ls\n"))
	h.terminal.mu.Lock()
	got := string(h.terminal.input)
	h.terminal.mu.Unlock()
	if got != "ls\n" {
		t.Errorf("terminal input = %q", got)
	}

	h.session.Resize(0, 24)    // ignored
	h.session.Resize(120, 40)  // forwarded
}

func TestPortInfoAndRefresh(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	h.session.Authenticate(ctx, "t")
	h.session.ConnectCodespace(ctx, "ws-1", "", "")

	h.session.GetPortInfo()
	h.emitter.waitFor(t, "port_info_response")

	h.session.RefreshPorts(ctx)
	h.emitter.waitFor(t, "port_update")
}

func TestCommandsRequireAuthentication(t *testing.T) {
	h := defaultHarness(t)
	h.session.ListCodespaces(context.Background())
	if got := h.emitter.waitFor(t, "error"); got != "not authenticated" {
		t.Errorf("error = %q", got)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", rpcinvoker.ErrUnreachable), "RpcUnreachable"},
		{fmt.Errorf("%w: x", rpcinvoker.ErrConnectFailure), "RpcConnectFailure"},
		{fmt.Errorf("%w: x", rpcinvoker.ErrTimeout), "RpcTimeout"},
		{&rpcinvoker.RejectedError{Message: "bad key"}, "RpcRejected: bad key"},
		{provider.ErrBadCredentials, "BadCredentials"},
		{fmt.Errorf("%w: 503", provider.ErrUnavailable), "ProviderUnavailable"},
		{&provider.APIError{Status: 422}, "ProviderError: status 422"},
		{errors.New("SshAuthDenied: handshake"), "SshAuthDenied"},
		{errors.New("SshUnreachable: dial"), "SshUnreachable"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"default", ""},
		{"bash", "bash -l"},
		{"zsh", "zsh -l"},
		{"tmux", "tmux new-session -A -s main"},
		{"fish", "fish"},
	}
	for _, tt := range tests {
		if got := shellCommand(tt.in); got != tt.want {
			t.Errorf("shellCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
