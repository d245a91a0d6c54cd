package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cobrowse"
	"pkt.systems/cobrowse/core"
	"pkt.systems/cobrowse/httpapi"
	"pkt.systems/cobrowse/internal/appconfig"
	"pkt.systems/cobrowse/internal/chromesurface"
	"pkt.systems/cobrowse/internal/mocksurface"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var engine string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the shared browser session and its websocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if engine != "" {
				cfg.Engine.Kind = strings.ToLower(strings.TrimSpace(engine))
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger.Info("engine selected", "kind", cfg.Engine.Kind, "headless", cfg.Engine.Headless, "width", cfg.Engine.Width, "height", cfg.Engine.Height)
			surface, err := openSurface(cmd.Context(), cfg.Engine)
			if err != nil {
				return err
			}

			server, err := cobrowse.New(cmd.Context(), cobrowse.ServerConfig{
				HTTP:    toHTTPConfig(cfg.HTTP),
				Session: cfg.SessionSettings(),
			}, cobrowse.ServerDeps{Surface: surface})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&engine, "engine", "", "rendering engine (chrome or mock)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

func openSurface(ctx context.Context, cfg appconfig.EngineConfig) (core.Surface, error) {
	switch cfg.Kind {
	case appconfig.EngineChrome:
		surface, err := chromesurface.New(ctx, chromesurface.Config{
			ExecPath:      cfg.ExecPath,
			UserDataDir:   cfg.UserDataDir,
			Headless:      cfg.Headless,
			NoSandbox:     cfg.NoSandbox,
			Width:         cfg.Width,
			Height:        cfg.Height,
			JPEGQuality:   cfg.JPEGQuality,
			ActionTimeout: time.Duration(cfg.ActionTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return surface, nil
	case appconfig.EngineMock:
		return mocksurface.New(mocksurface.Options{
			Viewport:    schema.Viewport{Width: cfg.Width, Height: cfg.Height},
			JPEGQuality: cfg.JPEGQuality,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported engine.kind %q", cfg.Kind)
	}
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:             cfg.Addr,
		BasePath:         cfg.BasePath,
		StaticDir:        cfg.StaticDir,
		ClientQueueDepth: cfg.ClientQueueDepth,
		WriteTimeout:     time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}
}
