package rest

import (
	"github.com/scalperguard/resale-guard/internal/domain"
)

// TransferListResponse is the response of GET /transfers
type TransferListResponse struct {
	Transfers []domain.TransferRecord `json:"transfers"`
	// Next is the cursor of the following page, empty on the last page
	Next string `json:"next,omitempty"`
}

// AllowlistListResponse is the response of GET /allowlist
type AllowlistListResponse struct {
	Records []domain.AllowlistRecord `json:"records"`
	Next    string                   `json:"next,omitempty"`
}

// AllowlistStatusResponse is the response of GET /allowlist/:identity
type AllowlistStatusResponse struct {
	Identity       domain.Identity  `json:"identity"`
	Allowed        bool             `json:"allowed"`
	UpdatedAt      *domain.Position `json:"updatedAt,omitempty"`
	TransactionRef string           `json:"transactionRef,omitempty"`
}

// ItemResponse is the response of GET /items/:item_id
type ItemResponse struct {
	ItemID         domain.ItemID   `json:"itemId"`
	Owner          domain.Identity `json:"owner"`
	LastTransferAt int64           `json:"lastTransferAt"`
	Transfers      int             `json:"transfers"`
}

// HealthResponse is the response of GET /health
type HealthResponse struct {
	Status       string           `json:"status"`
	Service      string           `json:"service"`
	TransferLog  *domain.Position `json:"transferLog"`
	AllowlistLog *domain.Position `json:"allowlistLog"`
}
