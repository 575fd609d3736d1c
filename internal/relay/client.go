// Package relay implements the client side of the hosted tunnel relay.
//
// The relay brokers TCP flows between the broker and a workspace. The wire
// is SSH carried over a websocket: the client dials the relay's service URI,
// authenticates the SSH handshake with the tunnel connect token, and then
// learns which workspace ports are forwarded from "forwarded-port" global
// requests. Each forwarded port gets a lazy local listener; accepted
// connections become direct-tcpip channels to the workspace port.
//
// The client also owns a diagnostic sink. It writes one line per forwarding
// event; the sink is swappable so a trace tap can observe the stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/ssh"
)

const (
	// handshakeTimeout bounds the SSH handshake over the websocket.
	handshakeTimeout = 30 * time.Second

	// Subprotocol requested from the relay endpoint.
	subprotocol = "tunnel-relay"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("relay: client closed")

// Properties are the opaque tunnel coordinates obtained from the provider.
type Properties struct {
	TunnelID     string
	ClusterID    string
	ConnectToken string
	ManageToken  string
	ServiceURI   string
	Domain       string
}

// forwardedPortMsg is the payload of a "forwarded-port" global request.
type forwardedPortMsg struct {
	Port uint32
}

// portListener is one local listener bound to a forwarded remote port.
type portListener struct {
	remotePort int
	localPort  int
	listener   net.Listener
}

// Client is a connection to the relay for one tunnel. It is owned by the
// session; discovery, tracing and RPC receive a non-owning handle and must
// not close it.
type Client struct {
	props Properties

	mu        sync.Mutex
	ws        *websocket.Conn
	sshClient *ssh.Client
	listeners map[int]*portListener // keyed by remote port
	waiters   map[int][]chan int
	trace     io.Writer
	closed    bool
	cancel    context.CancelFunc
}

// New creates an unconnected Client for the given tunnel properties.
func New(props Properties) *Client {
	return &Client{
		props:     props,
		listeners: make(map[int]*portListener),
		waiters:   make(map[int][]chan int),
		trace:     io.Discard,
	}
}

// Connect dials the relay service URI over websocket and completes the SSH
// handshake using the connect token. It must be called exactly once.
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.props.ServiceURI, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader: http.Header{
			"X-Tunnel-Authorization": []string{"tunnel " + c.props.ConnectToken},
		},
	})
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.props.ServiceURI, err)
	}
	ws.SetReadLimit(-1)

	// The net.Conn wrapper must outlive ctx: ctx bounds the handshake, not
	// the connection.
	conn := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)

	if err := c.establish(conn, c.props.Domain); err != nil {
		ws.Close(websocket.StatusProtocolError, "ssh handshake failed")
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return nil
}

// establish runs the SSH handshake over an arbitrary transport and starts
// the global-request dispatcher. Split from Connect so tests can drive the
// client over an in-memory pipe.
func (c *Client) establish(conn net.Conn, addr string) error {
	cfg := &ssh.ClientConfig{
		User: c.props.TunnelID,
		Auth: []ssh.AuthMethod{
			ssh.Password(c.props.ConnectToken),
		},
		// The relay endpoint is authenticated by the connect token; its
		// host key is not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         handshakeTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return fmt.Errorf("relay ssh handshake: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	// Intercept forwarded-port notifications; everything else flows to the
	// ssh.Client machinery.
	passthrough := make(chan *ssh.Request)
	go func() {
		defer close(passthrough)
		for req := range reqs {
			if req.Type == "forwarded-port" {
				c.handleForwardedPort(runCtx, req)
				continue
			}
			passthrough <- req
		}
	}()

	client := ssh.NewClient(sshConn, chans, passthrough)

	c.mu.Lock()
	c.sshClient = client
	c.cancel = cancel
	c.mu.Unlock()
	return nil
}

// handleForwardedPort reacts to the relay announcing a forwarded workspace
// port by opening a local listener for it.
func (c *Client) handleForwardedPort(ctx context.Context, req *ssh.Request) {
	var msg forwardedPortMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	if req.WantReply {
		req.Reply(true, nil)
	}

	remote := int(msg.Port)
	if remote < 1 || remote > 65535 {
		return
	}

	if _, err := c.ensureListener(ctx, remote); err != nil {
		log.Printf("Relay: cannot open local listener for remote port %d: %v", remote, err)
	}
}

// ensureListener returns the local port serving a remote port, creating the
// listener on first use.
func (c *Client) ensureListener(ctx context.Context, remotePort int) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if pl, ok := c.listeners[remotePort]; ok {
		c.mu.Unlock()
		return pl.localPort, nil
	}
	c.mu.Unlock()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen for remote port %d: %w", remotePort, err)
	}
	localPort := ln.Addr().(*net.TCPAddr).Port

	pl := &portListener{remotePort: remotePort, localPort: localPort, listener: ln}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ln.Close()
		return 0, ErrClosed
	}
	if existing, ok := c.listeners[remotePort]; ok {
		// Lost the race; keep the first listener.
		c.mu.Unlock()
		ln.Close()
		return existing.localPort, nil
	}
	c.listeners[remotePort] = pl
	waiters := c.waiters[remotePort]
	delete(c.waiters, remotePort)
	trace := c.trace
	c.mu.Unlock()

	go c.acceptLoop(ctx, pl)

	fmt.Fprintf(trace, "Forwarding from 127.0.0.1:%d to host port %d.\n", localPort, remotePort)
	for _, ch := range waiters {
		ch <- localPort
	}
	return localPort, nil
}

// acceptLoop forwards each accepted local connection to the remote port over
// a direct-tcpip channel.
func (c *Client) acceptLoop(ctx context.Context, pl *portListener) {
	defer pl.listener.Close()

	for {
		if tcpListener, ok := pl.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := pl.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			return
		}

		go c.forwardConnection(ctx, conn, pl.remotePort)
	}
}

// forwardConnection bridges one local connection and one relay channel.
func (c *Client) forwardConnection(ctx context.Context, localConn net.Conn, remotePort int) {
	defer localConn.Close()

	remoteConn, err := c.DialRemote(ctx, remotePort)
	if err != nil {
		log.Printf("Relay: dial remote port %d failed: %v", remotePort, err)
		return
	}
	defer remoteConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remoteConn, localConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(localConn, remoteConn)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// DialRemote opens a channel straight to a workspace port, bypassing any
// local listener. Used by the direct-dial SSH fallback.
func (c *Client) DialRemote(ctx context.Context, remotePort int) (net.Conn, error) {
	c.mu.Lock()
	client := c.sshClient
	closed := c.closed
	c.mu.Unlock()

	if closed || client == nil {
		return nil, ErrClosed
	}
	return client.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
}

// WaitForForwarded blocks until the relay has announced the given remote
// port and a local listener exists for it, returning the local port.
func (c *Client) WaitForForwarded(ctx context.Context, remotePort int) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if pl, ok := c.listeners[remotePort]; ok {
		c.mu.Unlock()
		return pl.localPort, nil
	}
	ch := make(chan int, 1)
	c.waiters[remotePort] = append(c.waiters[remotePort], ch)
	c.mu.Unlock()

	select {
	case local, ok := <-ch:
		if !ok {
			return 0, ErrClosed
		}
		return local, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Listeners snapshots the current local-to-remote port map.
func (c *Client) Listeners() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int]int, len(c.listeners))
	for _, pl := range c.listeners {
		out[pl.localPort] = pl.remotePort
	}
	return out
}

// TraceSink returns the current diagnostic sink.
func (c *Client) TraceSink() io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trace
}

// SetTraceSink replaces the diagnostic sink. Pass io.Discard to silence.
func (c *Client) SetTraceSink(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	c.trace = w
}

// Close tears the relay connection down: listeners first, then the SSH
// connection, then the websocket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	listeners := c.listeners
	c.listeners = make(map[int]*portListener)
	waiters := c.waiters
	c.waiters = make(map[int][]chan int)
	sshClient := c.sshClient
	ws := c.ws
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, pl := range listeners {
		pl.listener.Close()
	}
	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}

	var err error
	if sshClient != nil {
		err = sshClient.Close()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	return err
}
