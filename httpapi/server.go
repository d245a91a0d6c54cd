package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"pkt.systems/cobrowse/internal/logx"
	"pkt.systems/cobrowse/internal/metrics"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

const maxWSReadBytes = 64 << 10

// Session is the shared browser session the server fronts.
type Session interface {
	Dispatch(ctx context.Context, clientID schema.ClientID, msg schema.Message) error
	Greet(ctx context.Context, clientID schema.ClientID)
	Pages(ctx context.Context) []schema.PageInfo
	Healthy(ctx context.Context) bool
}

// Server serves the websocket endpoint and the small HTTP surface around it.
type Server struct {
	cfg      Config
	session  Session
	hub      *Hub
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, session Session, hub *Hub) *Server {
	return &Server{
		cfg:      cfg,
		session:  session,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/pages", s.handlePages)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if dir := strings.TrimSpace(s.cfg.StaticDir); dir != "" {
		http.FileServer(http.Dir(dir)).ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if !s.session.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "engine": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"engine":  "connected",
		"clients": s.hub.Count(),
		"pages":   len(s.session.Pages(r.Context())),
	})
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	pages := s.session.Pages(r.Context())
	if pages == nil {
		pages = []schema.PageInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		pslog.Ctx(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	c := s.hub.register(conn)
	log := logx.WithClient(r.Context(), c.id)
	ctx, cancel := context.WithCancel(logx.ContextWithClientLogger(r.Context(), log, c.id))
	defer cancel()
	startWSPing(ctx, conn)

	go func() {
		defer cancel()
		if err := c.writeLoop(ctx, s.hub.writeTimeout); err != nil && ctx.Err() == nil {
			log.Warn("websocket write failed", "err", err)
			s.hub.detach(c, detachWriteFailed)
		}
	}()

	s.session.Greet(ctx, c.id)
	s.readClient(ctx, c)

	s.hub.detach(c, detachClosed)
	c.close(websocket.StatusNormalClosure, "bye")
}

// readClient dispatches inbound messages in arrival order until the
// connection ends.
func (s *Server) readClient(ctx context.Context, c *client) {
	log := pslog.Ctx(ctx)
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				log.Debug("websocket read closed", "status", status)
			} else {
				log.Info("websocket read ended", "err", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			s.hub.Send(c.id, schema.NewError("binary messages are not supported"))
			continue
		}
		msg, err := schema.DecodeMessage(data)
		if err != nil {
			metrics.Command(string(msg.Type), msg.Type.Known(), "invalid")
			log.Debug("websocket message rejected", "err", err)
			s.hub.Send(c.id, schema.NewError(err.Error()))
			continue
		}
		if err := s.session.Dispatch(ctx, c.id, msg); err != nil {
			log.Trace("websocket command outcome", "type", msg.Type, "err", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
