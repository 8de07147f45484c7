package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
)

type balanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
}

func (s *Server) GetUserBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	if userID == "" {
		AbortWithError(c, ledgerdomain.ErrInvalidUser)
		return
	}

	ctx := c.Request.Context()
	balance, err := s.ledgerSvc.BalanceOf(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	available, err := s.payoutSvc.Available(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		UserID:    userID,
		Balance:   balance,
		Available: available,
		Currency:  ledgerdomain.DefaultCurrency,
	}})
}

func (s *Server) ListUserLedger(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	limit := 0
	if parsed, err := parseOptionalInt(c.Query("limit")); err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	} else if parsed != nil {
		limit = *parsed
	}

	entries, err := s.ledgerSvc.Entries(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type ledgerAdjustmentRequest struct {
	UserID    string `json:"user_id"`
	Credit    int64  `json:"credit"`
	Debit     int64  `json:"debit"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason"`
	Reference string `json:"reference_number"`
}

// PostLedgerAdjustment writes a manual adjustment. Admin adjustments always
// post as overrides so they land in the audit log with the acting admin.
func (s *Server) PostLedgerAdjustment(c *gin.Context) {
	var req ledgerAdjustmentRequest
	if !bindJSON(c, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, ledgerdomain.ErrReasonRequired)
		return
	}

	entry, err := s.ledgerSvc.PostEntry(c.Request.Context(), ledgerdomain.PostEntryRequest{
		UserID:      req.UserID,
		Debit:       req.Debit,
		Credit:      req.Credit,
		Type:        ledgerdomain.TransactionManualAdjustment,
		SourceType:  ledgerdomain.SourceAdjustment,
		SourceID:    uuid.NewString(),
		Reference:   req.Reference,
		Currency:    req.Currency,
		Override:    true,
		Description: reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": entry})
}
