// Package rpcinvoker drives the workspace's internal control-plane RPC
// endpoint over the relay.
//
// The endpoint lives on a well-known remote port; discovery supplies the
// forwarded local port. The channel is plain gRPC on an insecure transport,
// the relay provides the security. The invoker exposes SSH provisioning and
// activity notification to the session, and owns the heartbeat loop that
// keeps the workspace awake and detects channel loss.
package rpcinvoker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/keystore"
	"github.com/termbridge/termbridge/internal/portregistry"
)

const (
	methodStartRemoteServer    = "/termbridge.control.SshServerHost/StartRemoteServer"
	methodNotifyClientActivity = "/termbridge.control.CodespaceHost/NotifyClientActivity"
)

// ActivityKind labels one heartbeat notification.
type ActivityKind string

const (
	ActivityConnected ActivityKind = "connected"
	ActivityActive    ActivityKind = "activity"
	ActivityKeepAlive ActivityKind = "keep_alive"
)

// State of the invoker's channel.
type State string

const (
	StateIdle         State = "Idle"
	StateConnecting   State = "Connecting"
	StateActive       State = "Active"
	StateDisconnected State = "Disconnected"
	StateReleased     State = "Released"
)

var (
	// ErrUnreachable: the RPC port was never discovered.
	ErrUnreachable = errors.New("rpc: endpoint port not discovered")
	// ErrConnectFailure: the channel could not be opened in time.
	ErrConnectFailure = errors.New("rpc: channel connect failed")
	// ErrTimeout: a call exceeded its deadline.
	ErrTimeout = errors.New("rpc: call deadline exceeded")
	// ErrClosed: the invoker was released.
	ErrClosed = errors.New("rpc: invoker closed")
)

// RejectedError is a result=false response from the workspace.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rpc: rejected: %s", e.Message)
}

// PortFinder locates the forwarded local port for a remote port.
type PortFinder interface {
	Find(ctx context.Context, remotePort int, deadline time.Duration) (portregistry.Mapping, error)
}

// SSHServer is the provisioning result: where to dial and as whom.
type SSHServer struct {
	Port int
	User string
}

// Invoker is the control-plane channel for one session.
type Invoker struct {
	sessionID string
	token     string
	keys      *keystore.Store

	mu    sync.Mutex
	state State
	conn  *grpc.ClientConn

	hb *heartbeat

	lost          bool
	onChannelLost func()

	// test seams
	dialOpts []grpc.DialOption
}

// New creates an idle Invoker. onChannelLost fires at most once per loss;
// MarkReconnected re-arms it.
func New(sessionID, token string, keys *keystore.Store, onChannelLost func()) *Invoker {
	inv := &Invoker{
		sessionID:     sessionID,
		token:         token,
		keys:          keys,
		state:         StateIdle,
		onChannelLost: onChannelLost,
	}
	inv.hb = newHeartbeat(inv, config.Cfg.HeartbeatInterval(), config.Cfg.SessionKeepalive())
	return inv
}

// State reports the channel state.
func (inv *Invoker) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Connect discovers the RPC port and opens the channel. The discovery
// deadline and the 5s ready deadline are separate budgets.
func (inv *Invoker) Connect(ctx context.Context, finder PortFinder) error {
	inv.mu.Lock()
	if inv.state == StateReleased {
		inv.mu.Unlock()
		return ErrClosed
	}
	inv.state = StateConnecting
	inv.mu.Unlock()

	mapping, err := finder.Find(ctx, portregistry.RPCWellKnownPort, config.DiscoverRPCTimeout)
	if err != nil {
		inv.setState(StateIdle)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.RPCDialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, fmt.Sprintf("127.0.0.1:%d", mapping.LocalPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		inv.setState(StateIdle)
		return fmt.Errorf("%w: port %d: %v", ErrConnectFailure, mapping.LocalPort, err)
	}

	inv.mu.Lock()
	if inv.state == StateReleased {
		inv.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if old := inv.conn; old != nil {
		old.Close()
	}
	inv.conn = conn
	inv.state = StateActive
	inv.mu.Unlock()
	return nil
}

// StartSSHServer provisions the workspace SSH server with the session's
// public key and returns the remote port and user to dial as.
func (inv *Invoker) StartSSHServer(ctx context.Context) (SSHServer, error) {
	conn, err := inv.channel()
	if err != nil {
		return SSHServer{}, err
	}

	kp, ok := inv.keys.Get(inv.sessionID)
	if !ok {
		kp, err = inv.keys.Generate(inv.sessionID)
		if err != nil {
			return SSHServer{}, fmt.Errorf("generate session keypair: %w", err)
		}
	}

	req := encodeStartRemoteServerRequest(kp.PublicText)
	var reply []byte
	if err := inv.invoke(ctx, conn, methodStartRemoteServer, &req, &reply); err != nil {
		return SSHServer{}, err
	}

	res, err := decodeStartRemoteServerResponse(reply)
	if err != nil {
		return SSHServer{}, fmt.Errorf("decode StartRemoteServer response: %w", err)
	}
	if !res.Result {
		return SSHServer{}, &RejectedError{Message: res.Message}
	}
	port, err := strconv.Atoi(strings.TrimSpace(res.ServerPort))
	if err != nil || port < 1 || port > 65535 {
		return SSHServer{}, fmt.Errorf("rpc: bad server_port %q", res.ServerPort)
	}
	return SSHServer{Port: port, User: res.User}, nil
}

// NotifyActivity reports client activity. Failures are logged and swallowed
// unless the transport says the channel is gone, in which case the loss
// callback fires and the error propagates.
func (inv *Invoker) NotifyActivity(ctx context.Context, kind ActivityKind) error {
	conn, err := inv.channel()
	if err != nil {
		return err
	}

	req := encodeNotifyClientActivityRequest(inv.sessionID, []string{string(kind)})
	var reply []byte
	if err := inv.invoke(ctx, conn, methodNotifyClientActivity, &req, &reply); err != nil {
		if isChannelLost(err) {
			inv.markChannelLost()
			return err
		}
		log.Printf("RPC: notify activity %q failed (ignored): %v", kind, err)
		return nil
	}

	res, err := decodeNotifyClientActivityResponse(reply)
	if err == nil && !res.Result {
		log.Printf("RPC: notify activity %q not acknowledged: %s", kind, res.Message)
	}
	return nil
}

// StartHeartbeat sends the initial connected notification and starts the
// periodic loop. Call at most once, after Connect.
func (inv *Invoker) StartHeartbeat(ctx context.Context) {
	if err := inv.NotifyActivity(ctx, ActivityConnected); err != nil {
		log.Printf("RPC: initial connected notification failed: %v", err)
	}
	inv.hb.start()
}

// MarkDisconnected begins the grace window: heartbeats pause and resources
// are released when the window expires without a reconnect.
func (inv *Invoker) MarkDisconnected() {
	inv.setState(StateDisconnected)
	inv.hb.markDisconnected(time.Now())
}

// MarkReconnected ends the grace window, resumes heartbeats and re-arms the
// channel-loss callback.
func (inv *Invoker) MarkReconnected() {
	inv.mu.Lock()
	if inv.state == StateDisconnected {
		inv.state = StateActive
	}
	inv.lost = false
	inv.mu.Unlock()
	inv.hb.markReconnected()
}

// RequestKeepAlive makes the next heartbeat tick send keep_alive instead of
// activity.
func (inv *Invoker) RequestKeepAlive() {
	inv.hb.requestKeepAlive()
}

// Pause suspends heartbeat ticks without starting the grace window.
func (inv *Invoker) Pause()  { inv.hb.setPaused(true) }
func (inv *Invoker) Resume() { inv.hb.setPaused(false) }

// Close quiesces the heartbeat, closes the channel and destroys the session
// keypair. Idempotent; the invoker is terminal afterwards.
func (inv *Invoker) Close() {
	inv.mu.Lock()
	if inv.state == StateReleased {
		inv.mu.Unlock()
		return
	}
	inv.state = StateReleased
	conn := inv.conn
	inv.conn = nil
	inv.mu.Unlock()

	inv.hb.stop()
	if conn != nil {
		conn.Close()
	}
	inv.keys.Destroy(inv.sessionID)
}

// releaseResources is the grace-expiry path: same teardown as Close, invoked
// by the heartbeat loop. The relay is left for the session to dispose.
func (inv *Invoker) releaseResources() {
	log.Printf("RPC: disconnect grace expired for session %s, releasing", inv.sessionID)
	inv.Close()
}

func (inv *Invoker) channel() (*grpc.ClientConn, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state == StateReleased {
		return nil, ErrClosed
	}
	if inv.conn == nil {
		return nil, ErrConnectFailure
	}
	return inv.conn, nil
}

// invoke runs one unary call with bearer metadata and the standard deadline.
func (inv *Invoker) invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, reply *[]byte) error {
	callCtx, cancel := context.WithTimeout(ctx, config.RPCCallTimeout)
	defer cancel()
	callCtx = metadata.AppendToOutgoingContext(callCtx, "authorization", "Bearer "+inv.token)

	err := conn.Invoke(callCtx, method, req, reply)
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	}
	return err
}

func (inv *Invoker) markChannelLost() {
	inv.mu.Lock()
	if inv.state != StateReleased {
		inv.state = StateDisconnected
	}
	already := inv.lost
	inv.lost = true
	cb := inv.onChannelLost
	inv.mu.Unlock()

	if !already && cb != nil {
		cb()
	}
}

func (inv *Invoker) setState(s State) {
	inv.mu.Lock()
	if inv.state != StateReleased {
		inv.state = s
	}
	inv.mu.Unlock()
}

// isChannelLost classifies transport errors that mean the workspace side of
// the channel is gone.
func isChannelLost(err error) bool {
	if status.Code(err) == codes.Unavailable {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
