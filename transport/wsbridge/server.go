package wsbridge

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the hub logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithReadLimit bounds the size of frames accepted from windows.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

type peer struct {
	name   string
	origin string
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (p *peer) write(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.conn, f)
}

type pendingReply struct {
	from   *peer
	target *peer
	id     string
	window string
}

// Server is the hub windows connect to. It implements http.Handler.
type Server struct {
	upgrader  websocket.Upgrader
	log       zerolog.Logger
	readLimit int64

	mu      sync.Mutex
	windows map[string]*peer
	pending map[string]pendingReply
}

// NewServer creates a hub accepting connections from allowedOrigins only.
// Connections without an Origin header are refused.
func NewServer(allowedOrigins []string, opts ...ServerOption) *Server {
	origins := lo.Uniq(allowedOrigins)
	s := &Server{
		log:       zerolog.Nop(),
		readLimit: DefaultReadLimit,
		windows:   make(map[string]*peer),
		pending:   make(map[string]pendingReply),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin != "" && lo.Contains(origins, origin)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Windows returns the names of connected windows.
func (s *Server) Windows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.windows)
}

// ServeHTTP upgrades the request and serves the window until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get(WindowParam)
	if name == "" {
		http.Error(w, "missing window name", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("window", name).Msg("Upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	p := &peer{name: name, origin: r.Header.Get("Origin"), conn: conn}
	if !s.register(p) {
		s.log.Warn().Str("window", name).Msg("Window name taken")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "window name taken"))
		return
	}
	defer s.unregister(p)

	conn.SetReadLimit(s.readLimit)
	s.log.Info().Str("window", name).Str("origin", p.origin).Msg("Window connected")

	for {
		f, ok, err := readFrame(conn)
		if err != nil {
			s.log.Debug().Err(err).Str("window", name).Msg("Read ended")
			return
		}
		if !ok {
			s.log.Debug().Str("window", name).Msg("Invalid frame ignored")
			continue
		}
		switch f.Type {
		case framePost:
			s.route(p, f)
		case frameReply:
			s.resolve(p, f)
		}
	}
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.windows[p.name]; taken {
		return false
	}
	s.windows[p.name] = p
	return true
}

// unregister removes p and fails every request waiting on it.
func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.windows, p.name)
	var orphaned []pendingReply
	for id, pr := range s.pending {
		switch {
		case pr.target == p:
			orphaned = append(orphaned, pr)
			delete(s.pending, id)
		case pr.from == p:
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, pr := range orphaned {
		_ = pr.from.write(frame{Type: frameReply, ID: pr.id, Window: pr.window, Error: codeNoReceiver})
	}
	s.log.Info().Str("window", p.name).Msg("Window disconnected")
}

func (s *Server) route(from *peer, f frame) {
	fail := func(code string) {
		if err := from.write(frame{Type: frameReply, ID: f.ID, Window: f.Window, Error: code}); err != nil {
			s.log.Debug().Err(err).Str("window", from.name).Msg("Reply failed")
		}
	}
	if f.TargetOrigin == "" || f.TargetOrigin == "*" {
		fail(codeTargetOrigin)
		return
	}

	s.mu.Lock()
	target, ok := s.windows[f.Window]
	if !ok || target.origin != f.TargetOrigin {
		s.mu.Unlock()
		fail(codeNoReceiver)
		return
	}
	hubID := uuid.NewString()
	s.pending[hubID] = pendingReply{from: from, target: target, id: f.ID, window: f.Window}
	s.mu.Unlock()

	err := target.write(frame{Type: framePost, ID: hubID, From: from.origin, Envelope: f.Envelope})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, hubID)
		s.mu.Unlock()
		fail(codeNoReceiver)
	}
}

// resolve forwards a reply to the requester. Only the window the request
// was delivered to may answer it.
func (s *Server) resolve(from *peer, f frame) {
	s.mu.Lock()
	pr, ok := s.pending[f.ID]
	if ok && pr.target != from {
		ok = false
	}
	if ok {
		delete(s.pending, f.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug().Str("id", f.ID).Msg("Unexpected reply ignored")
		return
	}
	err := pr.from.write(frame{Type: frameReply, ID: pr.id, Window: pr.window, From: from.origin, Envelope: f.Envelope, Error: f.Error})
	if err != nil {
		s.log.Debug().Err(err).Str("window", pr.from.name).Msg("Reply failed")
	}
}

var _ http.Handler = (*Server)(nil)
