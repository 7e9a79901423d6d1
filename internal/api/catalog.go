package api

import (
	"net/http"
	"strings"

	"yilaitu-client/internal/catalog"

	"github.com/gin-gonic/gin"
)

// ListCatalog 返回风格、场景、比例与数量
func (h *Handler) ListCatalog(c *gin.Context) {
	if h.app.Catalog == nil {
		Error(c, http.StatusServiceUnavailable, 503, "风格目录未加载")
		return
	}
	refresh := strings.TrimSpace(c.Query("refresh"))
	if refresh != "" && refresh != "0" && refresh != "false" {
		status := h.app.Catalog.Refresh(c.Request.Context())
		c.Header("X-Catalog-Refresh", status)
	}

	payload := h.app.Catalog.Get()
	version := strings.TrimSpace(c.Query("version"))
	q := strings.TrimSpace(c.Query("q"))

	Success(c, gin.H{
		"meta":       payload.Meta,
		"source":     h.app.Catalog.Source(),
		"styles":     catalog.FilterStyles(payload.Styles, version, q),
		"scenes":     payload.Scenes,
		"ratios":     payload.Ratios,
		"quantities": payload.Quantities,
	})
}
