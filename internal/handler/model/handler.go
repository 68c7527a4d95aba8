package model

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/neko-bridge/backend/internal/model/variant"
	"github.com/zhouzirui/neko-bridge/backend/pkg/utils"
)

// Handler 模型列表的HTTP处理器
type Handler struct {
	variants variant.Store
}

// New 创建模型处理器
func New(variants variant.Store) *Handler {
	return &Handler{variants: variants}
}

// RegisterRoutes 注册模型相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.handleListModels)
}

type listResponse struct {
	Default string            `json:"default"`
	Models  []variant.Variant `json:"models"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, listResponse{
		Default: h.variants.Default().ID,
		Models:  h.variants.List(),
	})
}
