package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/neko-bridge/backend/internal/handler/message"
	"github.com/zhouzirui/neko-bridge/backend/internal/handler/model"
	"github.com/zhouzirui/neko-bridge/backend/internal/handler/stream"
	"github.com/zhouzirui/neko-bridge/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/neko-bridge/backend/internal/middleware"
	sessionModel "github.com/zhouzirui/neko-bridge/backend/internal/model/session"
	"github.com/zhouzirui/neko-bridge/backend/internal/model/variant"
	"github.com/zhouzirui/neko-bridge/backend/pkg/utils"
)

// Dispatcher answers inbound messages, optionally streaming reply fragments.
type Dispatcher interface {
	Handle(ctx context.Context, userID, content string) string
	HandleStream(ctx context.Context, userID, content string, onDelta func(string)) string
}

// SessionReader exposes the registered remote binding of a conversation.
type SessionReader interface {
	Session(userID string) (sessionModel.Session, bool)
	Sessions() []sessionModel.Session
}

// Deps 汇总路由依赖的服务。
type Deps struct {
	Dispatcher     Dispatcher
	Sessions       SessionReader
	Variants       variant.Store
	Connections    *ws.ConnectionManager
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		model.New(deps.Variants).RegisterRoutes(api)
		message.New(deps.Dispatcher, deps.Sessions).RegisterRoutes(api)
		stream.New(deps.Dispatcher).RegisterRoutes(api)
		ws.New(deps.Dispatcher, deps.Connections).RegisterRoutes(api)
	})

	return r
}

// requestLogger 记录每个请求的耗时与状态码。
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			log.Info().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(started)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
