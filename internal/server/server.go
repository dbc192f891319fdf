// Package server exposes a session to remote presentation layers over a
// websocket.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/focus"
	"github.com/hay-kot/pocket/internal/process"
	"github.com/hay-kot/pocket/internal/session"
	"github.com/hay-kot/pocket/internal/transport"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 1024
)

// Session is the part of the orchestrator the server drives.
type Session interface {
	SubmitCommand(text string) (block.ID, error)
	ClearScreen(ctx context.Context) int
	Connect(ctx context.Context, target transport.Target) error
	Disconnect(ctx context.Context)
	Resize(rows, cols int) error
	FocusBlock(id block.ID) error
	ReleaseFocus()
	SendInput(data []byte) (bool, error)
	SendSignal(sig transport.Signal) (focus.SignalResult, error)
	Cancel(ctx context.Context, id block.ID) error
	AttachFullscreen(id block.ID) ([]byte, <-chan []byte, func(), error)
	SendFullscreenInput(id block.ID, data []byte) error
	Events() (<-chan event.Event, func())
	Snapshot() []block.Block
	State() event.SessionState
	Target() transport.Target
	Focus() focus.Target
	Handles() []process.Handle
	Classify(text string) classify.Result
}

var _ Session = (*session.Orchestrator)(nil)

// TargetResolver turns a target name from a client into a connection target.
type TargetResolver func(name string) (transport.Target, error)

// Options secures the server.
type Options struct {
	// Token, when set, must accompany every request except /healthz, either
	// as "Authorization: Bearer <token>" or as the token query parameter.
	Token string
	// AllowedOrigins lists browser origins, besides the server's own host,
	// that may open the websocket.
	AllowedOrigins []string
}

// Server bridges websocket clients to one session.
type Server struct {
	log      zerolog.Logger
	sess     Session
	resolve  TargetResolver
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attached map[block.ID]func()
	closed   bool
}

// New creates a server for sess. resolve may be nil, in which case
// session.connect always opens a local shell.
func New(log zerolog.Logger, sess Session, resolve TargetResolver, opts Options) *Server {
	if resolve == nil {
		resolve = func(string) (transport.Target, error) { return transport.Local(""), nil }
	}
	s := &Server{
		log:     log.With().Str("component", "server").Logger(),
		sess:    sess,
		resolve: resolve,
		opts:    opts,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.requireToken(s.handleWebSocket))
	mux.HandleFunc("GET /blocks", s.requireToken(s.handleBlocks))
	mux.HandleFunc("GET /classify", s.requireToken(s.handleClassify))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// checkOrigin accepts clients that send no Origin (non-browser clients),
// pages served from the same host, and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next(w, r)
			return
		}

		got := r.URL.Query().Get("token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
			s.log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected request with bad token")
			writeJSON(w, http.StatusUnauthorized, ErrorPayload{Code: ErrUnauthorized, Message: "missing or invalid token"})
			return
		}
		next(w, r)
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.sess.State(),
		"clients": s.Clients(),
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, blockViews(s.sess.Snapshot()))
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("command")
	if cmd == "" {
		writeJSON(w, http.StatusBadRequest, ErrorPayload{Code: ErrInvalidMessage, Message: "command is required"})
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Classify(cmd))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		server:   s,
		ctx:      ctx,
		cancel:   cancel,
		attached: make(map[block.ID]func()),
	}
	c.log = s.log.With().Str("client", c.id).Logger()

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	c.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	// subscribe before the snapshot so nothing between them is lost
	events, unsubscribe := s.sess.Events()
	c.sendMessage(TypeSnapshot, SnapshotPayload{
		State:  s.sess.State(),
		Target: s.sess.Target().String(),
		Focus:  s.sess.Focus(),
		Blocks: blockViews(s.sess.Snapshot()),
		Active: s.sess.Handles(),
	})

	go c.forwardEvents(events, unsubscribe)
	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	s.mu.Unlock()

	c.cancel()

	c.mu.Lock()
	c.closed = true
	detaches := c.attached
	c.attached = nil
	c.mu.Unlock()
	for _, detach := range detaches {
		detach()
	}

	c.log.Info().Msg("client disconnected")
}

func (c *client) forwardEvents(events <-chan event.Event, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			msg, err := eventMessage(e)
			if err != nil {
				c.log.Warn().Err(err).Str("type", string(e.EventType())).Msg("encode event")
				continue
			}
			c.enqueue(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read")
			}
			return
		}
		c.server.handleMessage(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue queues msg for the client. A client that cannot keep up is
// disconnected rather than silently missing output.
func (c *client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn().Err(err).Str("type", msg.Type).Msg("encode message")
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.log.Warn().Msg("client send buffer full, disconnecting")
		c.server.removeClient(c)
	}
}

func (c *client) sendMessage(msgType string, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		c.log.Warn().Err(err).Str("type", msgType).Msg("encode message")
		return
	}
	c.enqueue(msg)
}

func (c *client) sendError(code, message string) {
	c.sendMessage(TypeError, ErrorPayload{Code: code, Message: message})
}

func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := validateClientMessage(raw)
	if err != nil {
		c.sendError(ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case TypeCommandSubmit:
		s.handleSubmit(c, msg)
	case TypeScreenClear:
		go s.sess.ClearScreen(c.ctx)
	case TypeSessionConnect:
		s.handleConnect(c, msg)
	case TypeSessionDisconnect:
		go s.sess.Disconnect(c.ctx)
	case TypeTerminalResize:
		var p TerminalResizePayload
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		if err := s.sess.Resize(p.Rows, p.Cols); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
		}
	case TypeFocusBlock:
		var p BlockPayload
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		if err := s.sess.FocusBlock(p.BlockID); err != nil {
			c.sendError(ErrNotFocusable, err.Error())
		}
	case TypeFocusRelease:
		s.sess.ReleaseFocus()
	case TypeInputRaw:
		var p InputPayload
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		if _, err := s.sess.SendInput([]byte(p.Data)); err != nil {
			c.sendError(ErrNoProcess, err.Error())
		}
	case TypeInputSignal:
		var p SignalPayload
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		sig, err := transport.ParseSignal(p.Signal)
		if err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		if _, err := s.sess.SendSignal(sig); err != nil {
			c.sendError(ErrNoProcess, err.Error())
		}
	case TypeBlockCancel:
		var p BlockPayload
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		go func() {
			if err := s.sess.Cancel(c.ctx, p.BlockID); err != nil {
				c.sendError(ErrNoProcess, err.Error())
			}
		}()
	case TypeFullscreenAttach:
		s.handleAttach(c, msg)
	case TypeFullscreenInput:
		var p InputPayload
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		if err := s.sess.SendFullscreenInput(p.BlockID, []byte(p.Data)); err != nil {
			c.sendError(ErrNoProcess, err.Error())
		}
	}
}

func (s *Server) handleSubmit(c *client, msg *Message) {
	var p CommandSubmitPayload
	if err := decodePayload(msg, &p); err != nil {
		c.sendError(ErrInvalidMessage, err.Error())
		return
	}

	id, err := s.sess.SubmitCommand(p.Command)
	switch {
	case errors.Is(err, session.ErrEmptyCommand):
		c.sendError(ErrEmptyCommand, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		c.sendError(ErrNotConnected, err.Error())
	case err != nil:
		c.sendError(ErrInternal, err.Error())
	default:
		c.sendMessage(TypeCommandAccepted, CommandAcceptedPayload{BlockID: id, Command: p.Command})
	}
}

func (s *Server) handleConnect(c *client, msg *Message) {
	var p SessionConnectPayload
	if len(msg.Payload) > 0 {
		if err := decodePayload(msg, &p); err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
	}

	target, err := s.resolve(p.Target)
	if err != nil {
		c.sendError(ErrUnknownTarget, err.Error())
		return
	}

	// connecting can take the whole retry budget; progress arrives as events
	go func() {
		err := s.sess.Connect(c.ctx, target)
		if err == nil {
			return
		}
		var cerr *transport.ConnectError
		if errors.As(err, &cerr) {
			// already published as a session.error event
			return
		}
		c.sendError(ErrConnectFailed, err.Error())
	}()
}

func (s *Server) handleAttach(c *client, msg *Message) {
	var p BlockPayload
	if err := decodePayload(msg, &p); err != nil {
		c.sendError(ErrInvalidMessage, err.Error())
		return
	}

	snap, stream, detach, err := s.sess.AttachFullscreen(p.BlockID)
	if err != nil {
		c.sendError(ErrNoProcess, err.Error())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		detach()
		return
	}
	if prev, ok := c.attached[p.BlockID]; ok {
		prev()
	}
	c.attached[p.BlockID] = detach
	c.mu.Unlock()

	if len(snap) > 0 {
		c.sendMessage(TypeFullscreenOutput, FullscreenOutputPayload{BlockID: p.BlockID, Data: snap, Replay: true})
	}

	go func() {
		for chunk := range stream {
			c.sendMessage(TypeFullscreenOutput, FullscreenOutputPayload{BlockID: p.BlockID, Data: chunk})
		}
		c.sendMessage(TypeFullscreenClosed, BlockPayload{BlockID: p.BlockID})
	}()
}
