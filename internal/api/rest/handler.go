package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/policy"
	"github.com/scalperguard/resale-guard/internal/store"
)

// Handler defines the interface for REST API handlers
// This interface allows for easy mocking and testing
type Handler interface {
	// ListTransfers retrieves transfer records in ledger order
	// GET /api/v1/transfers?item_id=<id>&identity=<address>&after=<height:index>&limit=<limit>
	ListTransfers(c *gin.Context)

	// ListAllowlist retrieves allowlist records in ledger order
	// GET /api/v1/allowlist?identity=<address>&after=<height:index>&limit=<limit>
	ListAllowlist(c *gin.Context)

	// GetAllowlistStatus returns the effective flag of an identity: its last record, false if none
	// GET /api/v1/allowlist/:identity
	GetAllowlistStatus(c *gin.Context)

	// GetItem returns the owner and last transfer time rebuilt from the transfer log
	// GET /api/v1/items/:item_id
	GetItem(c *gin.Context)

	// HealthCheck returns the health status of the API with the tails of both logs
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	log store.RecordLog
}

// NewHandler creates a new REST API handler reading the record log
func NewHandler(log store.RecordLog) Handler {
	return &handler{log: log}
}

// ListTransfers retrieves transfer records
func (h *handler) ListTransfers(c *gin.Context) {
	params, err := ParseListTransfersQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	records, err := h.log.ListTransfers(c.Request.Context(), store.TransferFilter{
		After:    params.after,
		ItemID:   domain.ItemID(params.ItemID),
		Identity: domain.Identity(params.Identity),
		Limit:    params.Limit,
	})
	if err != nil {
		respondInternalError(c, err, "Failed to list transfers")
		return
	}

	resp := TransferListResponse{Transfers: records}
	if resp.Transfers == nil {
		resp.Transfers = []domain.TransferRecord{}
	}
	if len(records) == params.Limit {
		resp.Next = records[len(records)-1].Position().String()
	}

	c.JSON(http.StatusOK, resp)
}

// ListAllowlist retrieves allowlist records
func (h *handler) ListAllowlist(c *gin.Context) {
	params, err := ParseListAllowlistQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	records, err := h.log.ListAllowlist(c.Request.Context(), store.AllowlistFilter{
		After:    params.after,
		Identity: domain.Identity(params.Identity),
		Limit:    params.Limit,
	})
	if err != nil {
		respondInternalError(c, err, "Failed to list allowlist records")
		return
	}

	resp := AllowlistListResponse{Records: records}
	if resp.Records == nil {
		resp.Records = []domain.AllowlistRecord{}
	}
	if len(records) == params.Limit {
		resp.Next = records[len(records)-1].Position().String()
	}

	c.JSON(http.StatusOK, resp)
}

// GetAllowlistStatus returns the effective allowlist flag of an identity
func (h *handler) GetAllowlistStatus(c *gin.Context) {
	identity := domain.NormalizeIdentity(c.Param("identity"))
	if identity == "" {
		respondBadRequest(c, "Identity is required")
		return
	}

	records, err := h.log.ListAllowlist(c.Request.Context(), store.AllowlistFilter{Identity: identity})
	if err != nil {
		respondInternalError(c, err, "Failed to get allowlist status", zap.String("identity", string(identity)))
		return
	}

	// last write wins by ledger order
	resp := AllowlistStatusResponse{Identity: identity}
	if len(records) > 0 {
		last := records[len(records)-1]
		pos := last.Position()
		resp.Allowed = last.Allowed
		resp.UpdatedAt = &pos
		resp.TransactionRef = last.TransactionRef
	}

	c.JSON(http.StatusOK, resp)
}

// GetItem returns the reconstructed state of an item
func (h *handler) GetItem(c *gin.Context) {
	itemID := domain.ItemID(c.Param("item_id"))
	if itemID == "" {
		respondBadRequest(c, "Item ID is required")
		return
	}

	records, err := h.log.ListTransfers(c.Request.Context(), store.TransferFilter{ItemID: itemID})
	if err != nil {
		respondInternalError(c, err, "Failed to get item", zap.String("item_id", string(itemID)))
		return
	}
	if len(records) == 0 {
		respondNotFound(c, "Item not found")
		return
	}

	state, _ := policy.Replay(records, nil).Item(itemID)
	c.JSON(http.StatusOK, ItemResponse{
		ItemID:         itemID,
		Owner:          state.Owner,
		LastTransferAt: state.LastTransferAt,
		Transfers:      len(records),
	})
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	transfers, err := h.log.LastPosition(ctx, domain.EventKindTransfer)
	if err != nil {
		respondInternalError(c, err, "Record log unavailable")
		return
	}
	allowlist, err := h.log.LastPosition(ctx, domain.EventKindAllowlistUpdated)
	if err != nil {
		respondInternalError(c, err, "Record log unavailable")
		return
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		Service:      "resale-guard-api",
		TransferLog:  transfers,
		AllowlistLog: allowlist,
	})
}
