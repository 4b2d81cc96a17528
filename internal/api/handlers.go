/**
 * @description
 * This file contains the HTTP handlers for the loyalty-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/onecard/loyalty-service/internal/app"
	"github.com/onecard/loyalty-service/internal/domain"
	"github.com/onecard/loyalty-service/internal/store"
)

// LoyaltyHandlers holds the application service that handlers will use.
type LoyaltyHandlers struct {
	service *app.Service
}

// NewLoyaltyHandlers creates a new instance of LoyaltyHandlers.
func NewLoyaltyHandlers(service *app.Service) *LoyaltyHandlers {
	return &LoyaltyHandlers{service: service}
}

type earnResponse struct {
	Success      bool   `json:"success"`
	PointsEarned int64  `json:"points_earned"`
	LedgerID     string `json:"ledger_id"`
	AmountCents  int64  `json:"amount_cents"`
}

type issueRedemptionResponse struct {
	RedeemToken  string `json:"redeem_token"`
	ExpiresAt    string `json:"expires_at"`
	RedemptionID string `json:"redemption_id"`
}

type consumeRedemptionResponse struct {
	Success        bool   `json:"success"`
	RewardLabel    string `json:"reward_label"`
	PointsDeducted int64  `json:"points_deducted"`
}

type balanceResponse struct {
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
	Balance    int64  `json:"balance"`
}

// EarnHandler handles requests to credit points for a purchase.
func (h *LoyaltyHandlers) EarnHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == uuid.Nil || req.BusinessID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	result, err := h.service.EarnPoints(r.Context(), req, GetStaffEmail(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "earn")
		return
	}

	h.writeJSON(w, http.StatusOK, earnResponse{
		Success:      true,
		PointsEarned: result.PointsEarned,
		LedgerID:     result.LedgerID.String(),
		AmountCents:  result.AmountCents,
	})
}

// IssueRedemptionHandler handles requests to mint a one-time redeem token.
func (h *LoyaltyHandlers) IssueRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.IssueRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == uuid.Nil || req.RewardID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	issued, err := h.service.IssueRedemption(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err, "redeem_issue")
		return
	}

	h.writeJSON(w, http.StatusCreated, issueRedemptionResponse{
		RedeemToken:  issued.RedeemToken,
		ExpiresAt:    issued.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		RedemptionID: issued.RedemptionID.String(),
	})
}

// ConsumeRedemptionHandler handles requests from a redeeming terminal to
// consume a presented token.
func (h *LoyaltyHandlers) ConsumeRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ConsumeRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RedeemToken == "" || req.BusinessID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	staffEmail := GetStaffEmail(r.Context())
	terminalKey := staffEmail
	if terminalKey == "" {
		terminalKey = remoteHost(r)
	}

	result, err := h.service.ConsumeRedemption(r.Context(), req, staffEmail, terminalKey)
	if err != nil {
		h.writeServiceError(w, err, "redeem_consume")
		return
	}

	h.writeJSON(w, http.StatusOK, consumeRedemptionResponse{
		Success:        true,
		RewardLabel:    result.RewardLabel,
		PointsDeducted: result.PointsDeducted,
	})
}

// BalanceHandler returns a customer's current balance with a business.
func (h *LoyaltyHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user_id")
		return
	}
	businessID, err := uuid.Parse(r.URL.Query().Get("business_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid business_id")
		return
	}

	balance, err := h.service.Balance(r.Context(), userID, businessID)
	if err != nil {
		log.Printf("level=error component=api msg=\"balance read failed\" user_id=%s business_id=%s err=%v", userID, businessID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		UserID:     userID.String(),
		BusinessID: businessID.String(),
		Balance:    balance,
	})
}

// ListRewardsHandler returns a business's active reward catalog.
func (h *LoyaltyHandlers) ListRewardsHandler(w http.ResponseWriter, r *http.Request) {
	businessID, err := uuid.Parse(chi.URLParam(r, "businessID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid business ID")
		return
	}

	rewards, err := h.service.ListRewards(r.Context(), businessID)
	if err != nil {
		log.Printf("level=error component=api msg=\"reward list failed\" business_id=%s err=%v", businessID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list rewards")
		return
	}
	if rewards == nil {
		rewards = []domain.Reward{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rewards": rewards})
}

// ListLedgerHandler returns a business's recent ledger entries.
func (h *LoyaltyHandlers) ListLedgerHandler(w http.ResponseWriter, r *http.Request) {
	businessID, err := uuid.Parse(chi.URLParam(r, "businessID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid business ID")
		return
	}

	opts := domain.LedgerListOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	entries, err := h.service.ListLedger(r.Context(), businessID, opts)
	if err != nil {
		log.Printf("level=error component=api msg=\"ledger list failed\" business_id=%s err=%v", businessID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list ledger entries")
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// writeServiceError maps service and store errors onto HTTP statuses with
// user-renderable messages. Nothing is silently swallowed: unknown errors
// are logged and surfaced as 500s.
func (h *LoyaltyHandlers) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than 0")
	case errors.Is(err, app.ErrAmountTooSmall):
		h.writeError(w, http.StatusUnprocessableEntity, "Amount too small to earn points")
	case errors.Is(err, store.ErrNoActiveProgram):
		h.writeError(w, http.StatusNotFound, "No active program found for this business")
	case errors.Is(err, store.ErrAmbiguousProgram):
		h.writeError(w, http.StatusConflict, "Business has conflicting active programs")
	case errors.Is(err, store.ErrRewardNotFound):
		h.writeError(w, http.StatusNotFound, "Reward not found")
	case errors.Is(err, app.ErrRewardInactive):
		h.writeError(w, http.StatusConflict, "Reward is no longer available")
	case errors.Is(err, store.ErrInsufficientPoints):
		h.writeError(w, http.StatusUnprocessableEntity, "Insufficient points")
	case errors.Is(err, store.ErrRedemptionNotFound):
		h.writeError(w, http.StatusNotFound, "Invalid redeem code")
	case errors.Is(err, app.ErrWrongBusiness):
		h.writeError(w, http.StatusConflict, "Redeem code not valid for this business")
	case errors.Is(err, app.ErrRedemptionAlreadyUsed):
		h.writeError(w, http.StatusConflict, "Redeem code already used")
	case errors.Is(err, app.ErrRedemptionExpired):
		h.writeError(w, http.StatusConflict, "Redeem code expired")
	case errors.Is(err, app.ErrRedemptionVoid):
		h.writeError(w, http.StatusConflict, "Redeem code is void")
	case errors.Is(err, app.ErrTooManyAttempts):
		h.writeError(w, http.StatusTooManyRequests, "Too many redeem attempts. Please wait and try again.")
	default:
		log.Printf("level=error component=api msg=\"operation failed\" op=%s err=%v", op, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *LoyaltyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LoyaltyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
