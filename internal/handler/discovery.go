package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DiscoveryHandler lets clients recognise a pushsocket server.
type DiscoveryHandler struct {
	Version string
}

func (h *DiscoveryHandler) Discover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pushsocket": gin.H{"version": h.Version}})
}
