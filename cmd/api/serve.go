package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/neko-bridge/backend/internal/config"
	"github.com/zhouzirui/neko-bridge/backend/internal/handler"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = 5 * time.Minute
	limiterIdle     = 30 * time.Minute
)

func runServe(ctx context.Context, cfg *config.Config, a *app) error {
	router := handler.NewRouter(handler.Deps{
		Dispatcher:     a.dispatcher,
		Sessions:       a.engine,
		Variants:       a.variants,
		Connections:    a.connections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// 不设置 WriteTimeout：流式回复的时长由生成长度决定。
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("component", "server").Str("addr", srv.Addr).Msg("neko-bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("component", "server").Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.connections.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := a.dispatcher.PruneLimiters(limiterIdle); n > 0 {
					log.Debug().Str("component", "server").Int("pruned", n).Msg("dropped idle rate limiters")
				}
			}
		}
	})

	return g.Wait()
}
