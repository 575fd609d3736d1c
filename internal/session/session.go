// Package session orchestrates one user's connection to a workspace: from
// token validation through tunnel, provisioning and SSH, to the streaming
// terminal. It owns the relay, the RPC invoker, the port registry and the
// terminal pipe, and enforces the disconnect grace policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/keystore"
	"github.com/termbridge/termbridge/internal/logutil"
	"github.com/termbridge/termbridge/internal/portdiscovery"
	"github.com/termbridge/termbridge/internal/portregistry"
	"github.com/termbridge/termbridge/internal/provider"
	"github.com/termbridge/termbridge/internal/relay"
	"github.com/termbridge/termbridge/internal/rpcinvoker"
	"github.com/termbridge/termbridge/internal/terminal"
	"github.com/termbridge/termbridge/internal/tracetap"
)

// State of the workspace connection owned by this session.
type State string

const (
	StateIdle          State = "Idle"
	StateAuthenticated State = "Authenticated"
	StateListing       State = "Listing"
	StateAcquiring     State = "Acquiring"
	StateRelayConnect  State = "RelayConnecting"
	StateDiscovering   State = "Discovering"
	StateProvisioning  State = "Provisioning"
	StateSSHDialing    State = "SshDialing"
	StateStreaming     State = "Streaming"
	StateReconnectWait State = "ReconnectWait"
	StateClosing       State = "Closing"
	StateClosed        State = "Closed"
	StateFailed        State = "Failed"
)

// retryableStates are provider workspace states worth polling through.
var retryableStates = map[string]bool{
	"Starting":     true,
	"Provisioning": true,
	"Queued":       true,
	"Awaiting":     true,
	"Unavailable":  true,
}

// deadStates are provider workspace states that cannot become Available.
var deadStates = map[string]bool{
	"Deleted":  true,
	"Moved":    true,
	"Archived": true,
	"Failed":   true,
}

// statePollInterval is a variable so tests can shrink it.
var statePollInterval = 2 * time.Second

// Emitter is the user-transport side of a session. Implementations must be
// safe for concurrent use; the session calls them from several goroutines.
type Emitter interface {
	Authenticated(success bool)
	CodespacesList(list []provider.Codespace)
	CodespaceState(name, state string, cs *provider.Codespace)
	Output(data []byte)
	PortUpdate(snap portregistry.Snapshot)
	PortInfo(snap portregistry.Snapshot)
	DisconnectedFromCodespace()
	Error(message string)
}

// ProviderAPI is the subset of the provider client the session drives.
type ProviderAPI interface {
	List(ctx context.Context) ([]provider.Codespace, error)
	Get(ctx context.Context, name string) (*provider.Codespace, error)
	Start(ctx context.Context, cs *provider.Codespace) error
	Stop(ctx context.Context, cs *provider.Codespace) error
	FindByRepo(ctx context.Context, repoURL string) (*provider.Codespace, error)
}

// RelayConn is the session's view of the relay client.
type RelayConn interface {
	Connect(ctx context.Context) error
	WaitForForwarded(ctx context.Context, remotePort int) (int, error)
	Listeners() map[int]int
	DialRemote(ctx context.Context, remotePort int) (net.Conn, error)
	TraceSink() io.Writer
	SetTraceSink(io.Writer)
	Close() error
}

// ControlPlane is the session's view of the RPC invoker.
type ControlPlane interface {
	Connect(ctx context.Context, finder rpcinvoker.PortFinder) error
	StartSSHServer(ctx context.Context) (rpcinvoker.SSHServer, error)
	StartHeartbeat(ctx context.Context)
	MarkDisconnected()
	MarkReconnected()
	Close()
}

// Terminal is the session's view of the terminal pipe.
type Terminal interface {
	Write(data []byte) error
	Resize(cols, rows int) bool
	Close()
	Done() <-chan struct{}
}

// Session is one user's broker session. All command methods are intended to
// be called from a single dispatcher goroutine; emissions and background
// workers synchronize internally.
type Session struct {
	ID string

	keys     *keystore.Store
	fallback config.FallbackPorts
	debug    bool

	mu          sync.Mutex
	emitter     Emitter
	state       State
	token       string
	api         ProviderAPI
	codespace   *provider.Codespace
	registry    *portregistry.Registry
	relayConn   RelayConn
	disc        *portdiscovery.Discoverer
	inv         ControlPlane
	tap         *tracetap.Tap
	pipe        Terminal
	sshClient   *ssh.Client
	connID      string
	cancel      context.CancelFunc
	cmdCancel   context.CancelFunc
	unsubscribe func()
	graceTimer  *time.Timer
	onClosed    func()
	closedSent  bool

	// test seams; nil means the real implementation
	newProvider func(token string) ProviderAPI
	newRelay    func(props relay.Properties) RelayConn
	newInvoker  func(connID, token string, onLost func()) ControlPlane
	dialSSH     func(ctx context.Context, localPort, remotePort int, srv rpcinvoker.SSHServer, opts terminal.Options) (Terminal, error)
}

// New creates an idle session bound to one emitter.
func New(emitter Emitter, keys *keystore.Store, fallback config.FallbackPorts, debug bool) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		keys:     keys,
		fallback: fallback,
		debug:    debug,
		emitter:  emitter,
		state:    StateIdle,
	}
	s.newProvider = func(token string) ProviderAPI {
		return provider.New(config.Cfg.ProviderAPIURL, token)
	}
	s.newRelay = func(props relay.Properties) RelayConn {
		return relay.New(props)
	}
	s.newInvoker = func(connID, token string, onLost func()) ControlPlane {
		return rpcinvoker.New(connID, token, keys, onLost)
	}
	s.dialSSH = s.dialSSHReal
	return s
}

// OnClosed registers a hook fired once when the session is gone for good:
// grace expiry or Close. A user disconnect keeps the session usable and does
// not fire it. Used by the hub to drop its registration.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *Session) fireClosed() {
	s.mu.Lock()
	fn := s.onClosed
	sent := s.closedSent
	s.closedSent = true
	s.mu.Unlock()
	if !sent && fn != nil {
		fn()
	}
}

// commandScope derives a cancelable context for one long-running command so
// a user-initiated disconnect can interrupt it.
func (s *Session) commandScope(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cmdCancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		cancel()
		s.mu.Lock()
		if s.cmdCancel != nil {
			s.cmdCancel = nil
		}
		s.mu.Unlock()
	}
}

func (s *Session) interrupt() {
	s.mu.Lock()
	cancel := s.cmdCancel
	s.cmdCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit() Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitter
}

// Authenticate validates the provider token by listing workspaces once.
func (s *Session) Authenticate(ctx context.Context, token string) {
	api := s.newProvider(token)
	if _, err := api.List(ctx); err != nil {
		if errors.Is(err, provider.ErrBadCredentials) {
			s.emit().Authenticated(false)
			return
		}
		s.emit().Error(errorKind(err))
		s.emit().Authenticated(false)
		return
	}

	s.mu.Lock()
	s.token = token
	s.api = api
	if s.state == StateIdle {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()
	s.emit().Authenticated(true)
}

// ListCodespaces sends the user's workspace list. An empty account yields an
// empty list, not an error.
func (s *Session) ListCodespaces(ctx context.Context) {
	api := s.providerAPI()
	if api == nil {
		s.emit().Error("not authenticated")
		return
	}

	s.setState(StateListing)
	list, err := api.List(ctx)
	s.setState(StateAuthenticated)
	if err != nil {
		s.emit().Error(errorKind(err))
		return
	}
	if list == nil {
		list = []provider.Codespace{}
	}
	s.emit().CodespacesList(list)
}

// ConnectCodespace runs the full pipeline for one workspace. A connect while
// another connection is live disposes of the previous one first.
func (s *Session) ConnectCodespace(ctx context.Context, name, shellType, geminiKey string) {
	api := s.providerAPI()
	if api == nil {
		s.emit().Error("not authenticated")
		return
	}

	s.mu.Lock()
	live := s.relayConn != nil || s.inv != nil || s.pipe != nil
	s.mu.Unlock()
	if live {
		s.teardown()
	}

	ctx, done := s.commandScope(ctx)
	defer done()

	s.emit().CodespaceState(name, "Starting", nil)
	s.setState(StateAcquiring)

	cs, err := s.awaitAvailable(ctx, api, name)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.fail(name, errorKind(err))
		return
	}
	if cs.Connection == nil {
		s.fail(name, "ProviderUnavailable")
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())

	registry := portregistry.New()
	snapCh, unsubscribe := registry.Subscribe()
	go s.portUpdateLoop(snapCh)

	props := relay.Properties{
		TunnelID:     cs.Connection.TunnelProperties.TunnelID,
		ClusterID:    cs.Connection.TunnelProperties.ClusterID,
		ConnectToken: cs.Connection.TunnelProperties.ConnectAccessToken,
		ManageToken:  cs.Connection.TunnelProperties.ManagePortsAccessToken,
		ServiceURI:   cs.Connection.TunnelProperties.ServiceURI,
		Domain:       cs.Connection.TunnelProperties.Domain,
	}
	rc := s.newRelay(props)

	connID := uuid.NewString()
	inv := s.newInvoker(connID, s.currentToken(), s.onChannelLost)

	s.mu.Lock()
	s.codespace = cs
	s.registry = registry
	s.relayConn = rc
	s.inv = inv
	s.connID = connID
	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.state = StateRelayConnect
	s.mu.Unlock()

	if err := rc.Connect(connCtx); err != nil {
		if connCtx.Err() != nil {
			return
		}
		log.Printf("Session %s: relay connect failed: %v", s.ID, err)
		s.fail(name, "ProviderUnavailable")
		return
	}

	if s.debug {
		tap := tracetap.New(0)
		tap.OnPortDetected(func(d tracetap.Detected) {
			if d.LocalPort > 0 && d.RemotePort > 0 {
				registry.Upsert([]portregistry.Mapping{{
					LocalPort:  d.LocalPort,
					RemotePort: d.RemotePort,
					Protocol:   portregistry.Protocol(d.Protocol),
					Source:     portregistry.SourceTraceFallback,
					IsActive:   true,
				}})
			}
		})
		tap.Attach(rc)
		s.mu.Lock()
		s.tap = tap
		s.mu.Unlock()
	}

	var mgmt portdiscovery.ManagementAPI
	if props.ManageToken != "" && props.ServiceURI != "" {
		mgmt = portdiscovery.NewManagementClient(props.ServiceURI, props.TunnelID, props.ClusterID, props.ManageToken)
	}
	disc := portdiscovery.New(registry, rc, mgmt, tunnelPortsOf(cs), s.fallback)
	s.mu.Lock()
	s.disc = disc
	s.state = StateDiscovering
	s.mu.Unlock()

	disc.Discover(connCtx)

	if err := inv.Connect(connCtx, disc); err != nil {
		if connCtx.Err() != nil {
			return
		}
		s.fail(name, errorKind(err))
		return
	}

	s.setState(StateProvisioning)
	srv, err := inv.StartSSHServer(connCtx)
	if err != nil {
		if connCtx.Err() != nil {
			return
		}
		s.fail(name, errorKind(err))
		return
	}

	// Prefer the forwarded mapping; fall back to a direct dial of the
	// workspace port when discovery comes up empty.
	localPort := 0
	if m, ferr := disc.Find(connCtx, srv.Port, config.DiscoverSSHTimeout); ferr == nil {
		localPort = m.LocalPort
	}

	s.setState(StateSSHDialing)
	opts := terminal.Options{
		Command: shellCommand(shellType),
		Env:     map[string]string{},
	}
	if geminiKey != "" {
		opts.Env["GEMINI_API_KEY"] = geminiKey
	}

	pipe, err := s.dialSSH(connCtx, localPort, srv.Port, srv, opts)
	if err != nil {
		if connCtx.Err() != nil {
			return
		}
		s.fail(name, errorKind(err))
		return
	}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		pipe.Close()
		return
	}
	s.pipe = pipe
	s.state = StateStreaming
	s.mu.Unlock()

	s.emit().CodespaceState(cs.Name, "Connected", cs)
	inv.StartHeartbeat(connCtx)
	s.emit().PortUpdate(registry.Snapshot())
}

// ConnectToRepoCodespace resolves a repository URL to its most recently used
// workspace, then connects to it.
func (s *Session) ConnectToRepoCodespace(ctx context.Context, repoURL string) {
	api := s.providerAPI()
	if api == nil {
		s.emit().Error("not authenticated")
		return
	}
	cs, err := api.FindByRepo(ctx, repoURL)
	if err != nil {
		s.emit().Error(errorKind(err))
		return
	}
	s.ConnectCodespace(ctx, cs.Name, "", "")
}

// DisconnectCodespace is the user-initiated teardown. It also interrupts a
// connect still in flight. The session object stays usable for a later
// connect on the same transport.
func (s *Session) DisconnectCodespace() {
	s.interrupt()
	s.setState(StateClosing)
	s.teardown()
	s.setState(StateClosed)
	s.emit().DisconnectedFromCodespace()
}

// StartCodespace asks the provider to boot a workspace.
func (s *Session) StartCodespace(ctx context.Context, name string) {
	s.driveLifecycle(ctx, name, "Starting", func(api ProviderAPI, cs *provider.Codespace) error {
		return api.Start(ctx, cs)
	})
}

// StopCodespace asks the provider to shut a workspace down.
func (s *Session) StopCodespace(ctx context.Context, name string) {
	s.driveLifecycle(ctx, name, "ShuttingDown", func(api ProviderAPI, cs *provider.Codespace) error {
		return api.Stop(ctx, cs)
	})
}

func (s *Session) driveLifecycle(ctx context.Context, name, resultState string, op func(ProviderAPI, *provider.Codespace) error) {
	api := s.providerAPI()
	if api == nil {
		s.emit().Error("not authenticated")
		return
	}
	cs, err := api.Get(ctx, name)
	if err != nil {
		s.emit().Error(errorKind(err))
		return
	}
	if err := op(api, cs); err != nil {
		s.emit().Error(errorKind(err))
		return
	}
	s.emit().CodespaceState(name, resultState, cs)
}

// QueryCodespaceStatus reports the provider's view of the connected (or
// named) workspace.
func (s *Session) QueryCodespaceStatus(ctx context.Context) {
	api := s.providerAPI()
	s.mu.Lock()
	cs := s.codespace
	s.mu.Unlock()
	if api == nil || cs == nil {
		s.emit().Error("no codespace connected")
		return
	}
	fresh, err := api.Get(ctx, cs.Name)
	if err != nil {
		s.emit().Error(errorKind(err))
		return
	}
	s.emit().CodespaceState(fresh.Name, fresh.State, fresh)
}

// Input forwards terminal input in arrival order.
func (s *Session) Input(data []byte) {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return
	}
	if err := pipe.Write(data); err != nil {
		log.Printf("Session %s: input write failed: %v", s.ID, err)
	}
}

// Resize forwards a PTY resize; out-of-range geometry is ignored.
func (s *Session) Resize(cols, rows int) {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe != nil {
		pipe.Resize(cols, rows)
	}
}

// RefreshPorts reruns discovery and pushes the latest snapshot.
func (s *Session) RefreshPorts(ctx context.Context) {
	s.mu.Lock()
	disc := s.disc
	registry := s.registry
	s.mu.Unlock()
	if disc == nil || registry == nil {
		s.emit().Error("no codespace connected")
		return
	}
	disc.Discover(ctx)
	s.emit().PortUpdate(registry.Snapshot())
}

// GetPortInfo answers with the current registry snapshot.
func (s *Session) GetPortInfo() {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		s.emit().Error("no codespace connected")
		return
	}
	s.emit().PortInfo(registry.Snapshot())
}

// TransportDropped begins the reconnect grace window. Workspace-side
// resources stay up until the window expires.
func (s *Session) TransportDropped() {
	s.mu.Lock()
	if s.state != StateStreaming && s.state != StateReconnectWait {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnectWait
	inv := s.inv
	if s.graceTimer == nil {
		s.graceTimer = time.AfterFunc(config.Cfg.SessionKeepalive(), func() {
			log.Printf("Session %s: reconnect grace expired", s.ID)
			s.DisconnectCodespace()
			s.fireClosed()
		})
	}
	s.mu.Unlock()

	if inv != nil {
		inv.MarkDisconnected()
	}
}

// Reattach resumes a session inside the grace window with a fresh emitter.
// The SSH session is reused; no new dial happens.
func (s *Session) Reattach(emitter Emitter) bool {
	s.mu.Lock()
	if s.state != StateReconnectWait && s.state != StateStreaming {
		s.mu.Unlock()
		return false
	}
	s.emitter = emitter
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	inv := s.inv
	cs := s.codespace
	registry := s.registry
	s.state = StateStreaming
	s.mu.Unlock()

	if inv != nil {
		inv.MarkReconnected()
	}
	if cs != nil {
		s.emit().CodespaceState(cs.Name, "Connected", cs)
	}
	if registry != nil {
		s.emit().PortUpdate(registry.Snapshot())
	}
	return true
}

// Close releases everything the session owns. Idempotent.
func (s *Session) Close() {
	s.interrupt()
	s.setState(StateClosing)
	s.teardown()
	s.setState(StateClosed)
	s.fireClosed()
}

// onChannelLost reacts to heartbeat-detected RPC loss: enter the grace
// window, keep SSH streaming alive, and try to redial the channel.
func (s *Session) onChannelLost() {
	s.mu.Lock()
	if s.state == StateStreaming {
		s.state = StateReconnectWait
	}
	inv := s.inv
	s.mu.Unlock()
	if inv != nil {
		inv.MarkDisconnected()
	}
	log.Printf("Session %s: control-plane channel lost", s.ID)
	go s.redialControlPlane()
}

// redialControlPlane retries the control-plane connect with exponential
// backoff while the session waits in ReconnectWait. A user-initiated
// disconnect or a successful reattach ends the loop.
func (s *Session) redialControlPlane() {
	backoff := config.ReconnectInitialBackoff
	for attempt := 1; attempt <= config.ReconnectMaxAttempts; attempt++ {
		time.Sleep(backoff)

		s.mu.Lock()
		inv := s.inv
		disc := s.disc
		waiting := s.state == StateReconnectWait
		s.mu.Unlock()
		if inv == nil || disc == nil || !waiting {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.RPCDialTimeout)
		err := inv.Connect(ctx, disc)
		cancel()
		if err == nil {
			inv.MarkReconnected()
			s.mu.Lock()
			// Only resume streaming when the user transport is still
			// attached; a dropped transport keeps its own grace window.
			if s.state == StateReconnectWait && s.graceTimer == nil {
				s.state = StateStreaming
			}
			s.mu.Unlock()
			log.Printf("Session %s: control-plane channel restored (attempt %d)", s.ID, attempt)
			return
		}
		log.Printf("Session %s: control-plane redial %d failed: %v", s.ID, attempt, err)

		backoff *= 2
		if backoff > config.ReconnectMaxBackoff {
			backoff = config.ReconnectMaxBackoff
		}
	}
	log.Printf("Session %s: control-plane redial attempts exhausted", s.ID)
}

// onPipeClosed fires when the SSH session ends on its own.
func (s *Session) onPipeClosed(summary string) {
	s.mu.Lock()
	cs := s.codespace
	closing := s.state == StateClosing || s.state == StateClosed
	s.mu.Unlock()
	if closing {
		return
	}
	name := ""
	if cs != nil {
		name = cs.Name
	}
	s.emit().CodespaceState(name, "Disconnected", nil)
}

// fail surfaces a fatal connection error and releases resources.
func (s *Session) fail(name, kind string) {
	s.emit().Error(kind)
	s.teardown()
	s.setState(StateFailed)
	s.emit().CodespaceState(name, "Disconnected", nil)
}

// teardown releases connection-scoped resources in dependency order:
// terminal, control plane, tap, relay, registry subscription.
func (s *Session) teardown() {
	s.mu.Lock()
	pipe := s.pipe
	inv := s.inv
	tap := s.tap
	rc := s.relayConn
	sshClient := s.sshClient
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	timer := s.graceTimer
	s.pipe = nil
	s.inv = nil
	s.tap = nil
	s.relayConn = nil
	s.sshClient = nil
	s.disc = nil
	s.registry = nil
	s.cancel = nil
	s.unsubscribe = nil
	s.graceTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if pipe != nil {
		pipe.Close()
	}
	if inv != nil {
		inv.Close()
	}
	if tap != nil {
		tap.Detach()
	}
	if sshClient != nil {
		sshClient.Close()
	}
	if rc != nil {
		rc.Close()
	}
	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

// awaitAvailable polls the workspace until it is Available, starting it if
// it is shut down. Unknown states are treated as transitional.
func (s *Session) awaitAvailable(ctx context.Context, api ProviderAPI, name string) (*provider.Codespace, error) {
	deadline := time.Now().Add(config.StateWaitDeadline)
	started := false
	lastEmitted := "Starting"

	for {
		cs, err := api.Get(ctx, name)
		if err != nil {
			return nil, err
		}

		switch {
		case cs.State == "Available":
			return cs, nil
		case deadStates[cs.State]:
			return nil, fmt.Errorf("workspace %s is %s", logutil.SanitizeForLog(name), cs.State)
		case cs.State == "Shutdown" || cs.State == "ShuttingDown":
			if !started {
				if err := api.Start(ctx, cs); err != nil {
					return nil, err
				}
				started = true
			}
		}

		if cs.State != lastEmitted && cs.State != "Available" {
			s.emit().CodespaceState(name, cs.State, nil)
			lastEmitted = cs.State
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("workspace %s not available within %v (state %s)",
				logutil.SanitizeForLog(name), config.StateWaitDeadline, cs.State)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(statePollInterval):
		}
	}
}

// portUpdateLoop pushes registry snapshots to the user transport until the
// subscription closes.
func (s *Session) portUpdateLoop(ch <-chan portregistry.Snapshot) {
	for snap := range ch {
		s.emit().PortUpdate(snap)
	}
}

// dialSSHReal opens the SSH connection through the relay and attaches the
// terminal pipe. localPort 0 means no forwarded mapping was found and the
// workspace port is dialed directly.
func (s *Session) dialSSHReal(ctx context.Context, localPort, remotePort int, srv rpcinvoker.SSHServer, opts terminal.Options) (Terminal, error) {
	s.mu.Lock()
	rc := s.relayConn
	connID := s.connID
	s.mu.Unlock()
	if rc == nil {
		return nil, fmt.Errorf("no relay connection")
	}

	auth, err := sshAuth(s.keys, connID)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	if localPort > 0 {
		dialer := net.Dialer{Timeout: config.DiscoverSSHTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		addr = fmt.Sprintf("127.0.0.1:%d", remotePort)
		conn, err = rc.DialRemote(ctx, remotePort)
	}
	if err != nil {
		return nil, fmt.Errorf("SshUnreachable: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            srv.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.DiscoverSSHTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("SshAuthDenied: %w", err)
		}
		return nil, fmt.Errorf("SshUnreachable: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	pipe, err := terminal.Start(client, opts, func(data []byte) {
		s.emit().Output(data)
	}, s.onPipeClosed)
	if err != nil {
		client.Close()
		return nil, err
	}

	s.mu.Lock()
	s.sshClient = client
	s.mu.Unlock()
	return pipe, nil
}

// sshAuth resolves the SSH auth methods for one connection. A keypair created
// from a public-key override carries no private half; the dial then sends no
// methods and relies on the workspace accepting none auth for the
// pre-provisioned key's account.
func sshAuth(keys *keystore.Store, connID string) ([]ssh.AuthMethod, error) {
	sealed, err := keys.Sealed(connID)
	if errors.Is(err, keystore.ErrNoPrivateKey) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("SshAuthDenied: %w", err)
	}
	signer, err := keys.Signer(sealed)
	if err != nil {
		return nil, fmt.Errorf("SshAuthDenied: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (s *Session) providerAPI() ProviderAPI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// tunnelPortsOf converts the workspace's embedded tunnel port array.
func tunnelPortsOf(cs *provider.Codespace) []portdiscovery.TunnelPort {
	if cs.Connection == nil {
		return nil
	}
	out := make([]portdiscovery.TunnelPort, 0, len(cs.Connection.TunnelPorts))
	for _, p := range cs.Connection.TunnelPorts {
		out = append(out, portdiscovery.TunnelPort{
			RemotePort:    p.PortNumber,
			ForwardingURI: p.ForwardingURI,
			Protocol:      p.Protocol,
		})
	}
	return out
}

// shellCommand maps a requested shell type onto the remote command. Empty
// means the account's login shell.
func shellCommand(shellType string) string {
	switch shellType {
	case "", "default":
		return ""
	case "bash":
		return "bash -l"
	case "zsh":
		return "zsh -l"
	case "tmux":
		return "tmux new-session -A -s main"
	default:
		return shellType
	}
}

// errorKind maps internal errors onto the stable strings surfaced to the
// user transport.
func errorKind(err error) string {
	switch {
	case errors.Is(err, rpcinvoker.ErrUnreachable):
		return "RpcUnreachable"
	case errors.Is(err, rpcinvoker.ErrConnectFailure):
		return "RpcConnectFailure"
	case errors.Is(err, rpcinvoker.ErrTimeout):
		return "RpcTimeout"
	case errors.Is(err, rpcinvoker.ErrClosed):
		return "RpcClosed"
	case errors.Is(err, provider.ErrBadCredentials):
		return "BadCredentials"
	case errors.Is(err, provider.ErrUnavailable):
		return "ProviderUnavailable"
	case errors.Is(err, keystore.ErrCryptoFailure):
		return "CryptoFailure"
	}
	var rejected *rpcinvoker.RejectedError
	if errors.As(err, &rejected) {
		return "RpcRejected: " + rejected.Message
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("ProviderError: status %d", apiErr.Status)
	}
	msg := err.Error()
	for _, kind := range []string{"SshAuthDenied", "SshUnreachable"} {
		if strings.Contains(msg, kind) {
			return kind
		}
	}
	return msg
}
