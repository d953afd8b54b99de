// Package server exposes chat sessions over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/xhad/sitechat/internal/session"
)

const (
	TypeLoad     = "load"
	TypeAsk      = "ask"
	TypeClear    = "clear"
	TypeHistory  = "history"
	TypeStatus   = "status"
	TypeLoaded   = "loaded"
	TypeStream   = "stream"
	TypeResponse = "response"
	TypeCleared  = "cleared"
	TypeWarning  = "warning"
	TypeError    = "error"
)

var urlRegex = regexp.MustCompile(`^https?://[^\s]+$`)

type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Force   bool        `json:"force,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// LoadedData accompanies a "loaded" reply.
type LoadedData struct {
	URL       string `json:"url"`
	Namespace string `json:"namespace"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	Reused    bool   `json:"reused"`
}

// ErrorData accompanies an "error" reply that ends a streamed answer; the
// client should drop the "stream" messages it received for that question.
type ErrorData struct {
	Discard bool `json:"discard"`
}

type TurnData struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	Addr      string
	Streaming bool
	Logger    *zerolog.Logger
	// Gatherer backs the /metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
}

type WSServer struct {
	config   Config
	manager  *session.Manager
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	// Hijacked connections are invisible to http.Server.Shutdown, so they are
	// tracked here and closed explicitly.
	mu       sync.Mutex
	conns    map[*conn]struct{}
	closing  bool
	handlers sync.WaitGroup
}

func NewWSServer(manager *session.Manager, config Config) *WSServer {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "server").Logger()
	}

	return &WSServer{
		config:  config,
		manager: manager,
		logger:  logger,
		conns:   make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Be careful with this in production
			},
		},
	}
}

func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if s.config.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On shutdown every
// open WebSocket is closed and Serve returns once their sessions are cleared.
func (s *WSServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("starting WebSocket server")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return s.closeConnections(shutdownCtx)
	}
}

func (s *WSServer) closeConnections(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Debug().Int("connections", len(conns)).Msg("closing WebSocket connections")
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: waiting for connections: %w", ctx.Err())
	}
}

func (s *WSServer) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *WSServer) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.handlers.Done()
}

// conn serializes writes; cleanup warnings arrive from other goroutines.
type conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	cancel context.CancelFunc
	logger zerolog.Logger
}

func (c *conn) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Msg("error sending message")
	}
}

// close aborts in-flight work and tells the client the server is going away.
func (c *conn) close() {
	c.cancel()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug().Err(err).Msg("error sending close frame")
	}
	c.ws.Close()
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sess := session.NewSession()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	c := &conn{ws: ws, cancel: cancel, logger: s.logger.With().Str("session", sess.ID).Logger()}
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)
	defer ws.Close()

	sess.OnWarning(func(err error) {
		c.send(Message{Type: TypeWarning, Content: err.Error()})
	})

	defer func() {
		if err := s.manager.ClearHistory(context.WithoutCancel(ctx), sess); err != nil {
			c.logger.Warn().Err(err).Msg("failed to release session")
		}
	}()

	c.logger.Debug().Msg("connection opened")
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("error reading message")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(Message{Type: TypeError, Content: fmt.Sprintf("invalid message: %v", err)})
			continue
		}

		s.handleMessage(ctx, c, sess, msg)
	}
}

func (s *WSServer) handleMessage(ctx context.Context, c *conn, sess *session.Session, msg Message) {
	switch msg.Type {
	case TypeLoad:
		s.load(ctx, c, sess, msg.Content, msg.Force)
	case TypeAsk:
		// A bare URL typed into the chat box loads it.
		if query := strings.TrimSpace(msg.Content); urlRegex.MatchString(query) {
			s.load(ctx, c, sess, query, false)
			return
		}
		s.ask(ctx, c, sess, msg.Content)
	case TypeClear:
		if err := s.manager.ClearHistory(ctx, sess); err != nil {
			c.send(Message{Type: TypeWarning, Content: err.Error()})
		}
		c.send(Message{Type: TypeCleared})
	case TypeHistory:
		transcript := sess.Transcript()
		turns := make([]TurnData, len(transcript))
		for i, turn := range transcript {
			turns[i] = TurnData{Role: turn.Role.String(), Content: turn.Content}
		}
		c.send(Message{Type: TypeHistory, Data: turns})
	default:
		c.send(Message{Type: TypeError, Content: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *WSServer) load(ctx context.Context, c *conn, sess *session.Session, url string, force bool) {
	c.send(Message{Type: TypeStatus, Content: fmt.Sprintf("Processing URL: %s", url)})

	result, err := s.manager.LoadURL(ctx, sess, url, force)
	if err != nil {
		c.send(Message{Type: TypeError, Content: err.Error()})
		return
	}

	greeting := ""
	if transcript := sess.Transcript(); len(transcript) > 0 {
		greeting = transcript[0].Content
	}
	c.send(Message{
		Type:    TypeLoaded,
		Content: greeting,
		Data: LoadedData{
			URL:       result.URL,
			Namespace: string(result.Namespace),
			Documents: result.Documents,
			Chunks:    result.Chunks,
			Reused:    result.Reused,
		},
	})
}

func (s *WSServer) ask(ctx context.Context, c *conn, sess *session.Session, question string) {
	var (
		answer   string
		err      error
		streamed bool
	)
	if s.config.Streaming {
		answer, err = s.manager.AskStream(ctx, sess, question, func(chunk string) {
			streamed = true
			c.send(Message{Type: TypeStream, Content: chunk})
		})
	} else {
		answer, err = s.manager.Ask(ctx, sess, question)
	}
	if err != nil {
		reply := Message{Type: TypeError, Content: err.Error()}
		if streamed {
			reply.Data = ErrorData{Discard: true}
		}
		c.send(reply)
		return
	}
	c.send(Message{Type: TypeResponse, Content: answer})
}
