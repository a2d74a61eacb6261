package rest

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler) {
	// Health check endpoint (no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Projected logs, in ledger order
		v1.GET("/transfers", handler.ListTransfers)
		v1.GET("/allowlist", handler.ListAllowlist)

		// Effective allowlist flag of one identity
		v1.GET("/allowlist/:identity", handler.GetAllowlistStatus)

		// Owner and last transfer time reconstructed from the transfer log
		v1.GET("/items/:item_id", handler.GetItem)
	}
}
