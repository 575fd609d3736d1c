// Package server is the user transport: a chi router with a health probe
// and the websocket endpoint browsers connect terminals to.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/keystore"
	"github.com/termbridge/termbridge/internal/portregistry"
	"github.com/termbridge/termbridge/internal/provider"
	"github.com/termbridge/termbridge/internal/session"
)

// maxMessageSize bounds one websocket frame from the client.
const maxMessageSize = 1024 * 1024

// Hub tracks live sessions so a client can reattach within the grace window.
type Hub struct {
	keys     *keystore.Store
	fallback config.FallbackPorts
	debug    bool

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewHub creates an empty Hub.
func NewHub(keys *keystore.Store, fallback config.FallbackPorts, debug bool) *Hub {
	return &Hub{
		keys:     keys,
		fallback: fallback,
		debug:    debug,
		sessions: make(map[string]*session.Session),
	}
}

// Router builds the HTTP surface.
func (h *Hub) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Get("/health", handleHealth)
	r.Get("/ws", h.handleWS)
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// CloseAll tears down every live session; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session.Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (h *Hub) get(id string) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *Hub) put(s *session.Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// handleWS runs one websocket connection: a writer goroutine drains the
// emitter's queue while this goroutine reads and dispatches client messages.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	emitter := newWSEmitter(ctx, conn)
	go emitter.writeLoop()

	// Reattach to a detached session when the client presents its id and the
	// grace window has not expired.
	var sess *session.Session
	if id := r.URL.Query().Get("session_id"); id != "" {
		if existing := h.get(id); existing != nil && existing.Reattach(emitter) {
			sess = existing
			log.Printf("Session %s: transport reattached", sess.ID)
		}
	}
	if sess == nil {
		sess = session.New(emitter, h.keys, h.fallback, h.debug)
		h.put(sess)
		id := sess.ID
		sess.OnClosed(func() { h.remove(id) })
		log.Printf("Session %s: transport connected", sess.ID)
	}

	emitter.send(SessionInfoMessage{Type: TypeSessionInfo, SessionID: sess.ID})

	// Slow commands run on a worker goroutine in arrival order so the read
	// loop keeps serving input, resize and disconnect while a connect is in
	// flight.
	cmds := make(chan ClientMessage, 32)
	defer close(cmds)
	go func() {
		for msg := range cmds {
			h.dispatch(ctx, sess, msg)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			emitter.Error("malformed message")
			continue
		}
		switch msg.Type {
		case TypeInput:
			sess.Input([]byte(msg.Data))
		case TypeResize:
			sess.Resize(msg.Cols, msg.Rows)
		case TypeDisconnectCodespace:
			sess.DisconnectCodespace()
		default:
			select {
			case cmds <- msg:
			default:
				emitter.Error("command queue full")
			}
		}
	}

	// Transport gone. A streaming session enters the grace window and stays
	// registered for reattachment; anything else is torn down now.
	if st := sess.State(); st == session.StateStreaming || st == session.StateReconnectWait {
		sess.TransportDropped()
		log.Printf("Session %s: transport dropped, grace window started", sess.ID)
		return
	}
	h.remove(sess.ID)
	sess.Close()
	log.Printf("Session %s: transport closed", sess.ID)
}

func (h *Hub) dispatch(ctx context.Context, sess *session.Session, msg ClientMessage) {
	switch msg.Type {
	case TypeAuthenticate:
		sess.Authenticate(ctx, msg.Token)
	case TypeListCodespaces:
		sess.ListCodespaces(ctx)
	case TypeConnectCodespace:
		sess.ConnectCodespace(ctx, msg.CodespaceName, msg.ShellType, msg.GeminiAPIKey)
	case TypeConnectToRepoCodespace:
		sess.ConnectToRepoCodespace(ctx, msg.RepoURL)
	case TypeDisconnectCodespace:
		sess.DisconnectCodespace()
	case TypeStartCodespace:
		sess.StartCodespace(ctx, msg.CodespaceName)
	case TypeStopCodespace:
		sess.StopCodespace(ctx, msg.CodespaceName)
	case TypeInput:
		sess.Input([]byte(msg.Data))
	case TypeResize:
		sess.Resize(msg.Cols, msg.Rows)
	case TypeRefreshPorts:
		sess.RefreshPorts(ctx)
	case TypeGetPortInfo:
		sess.GetPortInfo()
	case TypeQueryCodespaceStatus:
		sess.QueryCodespaceStatus(ctx)
	default:
		log.Printf("Unknown client message type %q", msg.Type)
	}
}

// wsEmitter serializes all server messages through one write channel so
// per-message order is preserved.
type wsEmitter struct {
	ctx  context.Context
	conn *websocket.Conn
	out  chan []byte
}

func newWSEmitter(ctx context.Context, conn *websocket.Conn) *wsEmitter {
	return &wsEmitter{ctx: ctx, conn: conn, out: make(chan []byte, 256)}
}

// writeLoop exits when the transport context ends; the queue is never
// closed, so late emissions from a detached session are dropped safely.
func (e *wsEmitter) writeLoop() {
	for {
		select {
		case data := <-e.out:
			if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *wsEmitter) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal server message: %v", err)
		return
	}
	e.enqueue(data)
}

func (e *wsEmitter) enqueue(data []byte) {
	select {
	case e.out <- data:
	case <-e.ctx.Done():
	}
}

func (e *wsEmitter) Authenticated(success bool) {
	e.send(AuthenticatedMessage{Type: TypeAuthenticated, Success: success})
}

func (e *wsEmitter) CodespacesList(list []provider.Codespace) {
	if list == nil {
		list = []provider.Codespace{}
	}
	e.send(CodespacesListMessage{Type: TypeCodespacesList, Data: list})
}

func (e *wsEmitter) CodespaceState(name, state string, cs *provider.Codespace) {
	msg := CodespaceStateMessage{
		Type:          TypeCodespaceState,
		CodespaceName: name,
		State:         state,
		CodespaceData: cs,
	}
	if cs != nil {
		msg.RepositoryFullName = cs.Repository.FullName
	}
	e.send(msg)
}

func (e *wsEmitter) Output(data []byte) {
	e.enqueue(marshalOutput(data))
}

func (e *wsEmitter) PortUpdate(snap portregistry.Snapshot) {
	e.enqueue(marshalPortUpdate(snap))
}

func (e *wsEmitter) PortInfo(snap portregistry.Snapshot) {
	e.enqueue(marshalPortInfo(snap))
}

func (e *wsEmitter) DisconnectedFromCodespace() {
	e.send(DisconnectedMessage{Type: TypeDisconnectedFromCodespace})
}

func (e *wsEmitter) Error(message string) {
	e.send(ErrorMessage{Type: TypeError, Message: message})
}
