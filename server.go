package cobrowse

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/cobrowse/core"
	"pkt.systems/cobrowse/httpapi"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

// Server composes the shared session, the client hub and the HTTP surface.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP    httpapi.Config
	Session schema.SessionConfig
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	// Surface is the rendering engine. The server owns it from here on and
	// closes it on Stop or on a failed New.
	Surface core.Surface
	// Observers receive every session event in addition to the websocket hub.
	Observers []core.EventSink
}

// New constructs the server and starts the session, so the initial page
// exists before any client can connect.
func New(ctx context.Context, cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.Surface == nil {
		return nil, errors.New("surface dependency is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	hub := httpapi.NewHub(httpapi.HubConfig{
		QueueDepth:   cfg.HTTP.ClientQueueDepth,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		Logger:       pslog.Ctx(ctx),
	})
	sinks := make([]core.EventSink, 0, len(deps.Observers)+1)
	sinks = append(sinks, hub)
	sinks = append(sinks, deps.Observers...)

	session, err := core.NewSession(ctx, cfg.Session, core.SessionDeps{
		Surface: deps.Surface,
		Sink:    newEventFanout(sinks),
		Logger:  pslog.Ctx(ctx),
	})
	if err != nil {
		return nil, err
	}
	return &compositeServer{
		cfg:     cfg,
		session: session,
		hub:     hub,
		httpSrv: httpapi.NewServer(cfg.HTTP, session, hub),
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	session *core.Session
	hub     *httpapi.Hub
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	err     error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"static_dir", s.cfg.HTTP.StaticDir,
	)
	group.Go(func() error {
		if err := httpapi.ListenAndServe(groupCtx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := s.session.Run(groupCtx); err != nil {
			log.Error("frame streamer failed", "err", err)
			return err
		}
		return nil
	})
	go func() {
		err := group.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if closeErr := s.session.Close(); closeErr != nil {
			log.Warn("session close failed", "err", closeErr)
		}
		close(s.done)
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.logger.Error("server stopped", "err", s.err)
	}
	return s.err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return s.session.Close()
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested", "clients", s.hub.Count())
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
