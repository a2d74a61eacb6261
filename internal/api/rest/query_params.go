package rest

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/scalperguard/resale-guard/internal/domain"
)

const (
	MAX_PAGE_SIZE     = 1000
	DEFAULT_PAGE_SIZE = 100
)

// ListTransfersQueryParams holds query parameters for GET /transfers
type ListTransfersQueryParams struct {
	// Filters
	ItemID   string `form:"item_id"`
	Identity string `form:"identity"`

	// Pagination: records strictly after the "height:index" cursor
	After string `form:"after"`
	Limit int    `form:"limit,default=100"`

	after *domain.Position
}

// ListAllowlistQueryParams holds query parameters for GET /allowlist
type ListAllowlistQueryParams struct {
	Identity string `form:"identity"`

	After string `form:"after"`
	Limit int    `form:"limit,default=100"`

	after *domain.Position
}

// ParseListTransfersQuery parses query parameters for GET /transfers
func ParseListTransfersQuery(c *gin.Context) (*ListTransfersQueryParams, error) {
	var params ListTransfersQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	after, err := parseAfter(params.After)
	if err != nil {
		return nil, err
	}
	params.after = after

	if params.Identity != "" {
		params.Identity = string(domain.NormalizeIdentity(params.Identity))
	}
	params.Limit = capLimit(params.Limit)

	return &params, nil
}

// ParseListAllowlistQuery parses query parameters for GET /allowlist
func ParseListAllowlistQuery(c *gin.Context) (*ListAllowlistQueryParams, error) {
	var params ListAllowlistQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	after, err := parseAfter(params.After)
	if err != nil {
		return nil, err
	}
	params.after = after

	if params.Identity != "" {
		params.Identity = string(domain.NormalizeIdentity(params.Identity))
	}
	params.Limit = capLimit(params.Limit)

	return &params, nil
}

func parseAfter(v string) (*domain.Position, error) {
	if v == "" {
		return nil, nil
	}
	pos, err := domain.ParsePosition(v)
	if err != nil {
		return nil, fmt.Errorf("invalid after cursor %q: %w", v, err)
	}
	return &pos, nil
}

func capLimit(limit int) int {
	switch {
	case limit <= 0:
		return DEFAULT_PAGE_SIZE
	case limit > MAX_PAGE_SIZE:
		return MAX_PAGE_SIZE
	default:
		return limit
	}
}
