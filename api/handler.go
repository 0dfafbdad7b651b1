// Package api serves the subscription lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/types"
	"github.com/vitwit/paykit/utils"
)

const maxBodyBytes = 1 << 16

// Subscriptions is implemented by subscription.Engine.
type Subscriptions interface {
	Create(ctx context.Context, wallet string, plan types.PlanTier) (*types.Subscription, error)
	Pause(ctx context.Context, id string) (*types.Subscription, error)
	Resume(ctx context.Context, id string) (*types.Subscription, error)
	Cancel(ctx context.Context, id string) (*types.Subscription, error)
	FindActiveOrPausedByWallet(ctx context.Context, wallet string) (*types.Subscription, error)
}

// PlanSource lists the plans on offer.
type PlanSource interface {
	Plans() []types.Plan
}

type Handler struct {
	subs   Subscriptions
	plans  PlanSource
	logger logger.Logger
}

func NewHandler(subs Subscriptions, plans PlanSource, log logger.Logger) *Handler {
	return &Handler{subs: subs, plans: plans, logger: logger.OrNoop(log)}
}

type createRequest struct {
	Plan        types.PlanTier `json:"plan" validate:"required,plantier"`
	Wallet      string         `json:"wallet" validate:"required,solanaaddr"`
	TxSignature string         `json:"txSignature,omitempty"`
}

type subscriptionIDRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

type statusResponse struct {
	SubscriptionID string                   `json:"subscriptionId"`
	Plan           types.PlanTier           `json:"plan,omitempty"`
	Status         types.SubscriptionStatus `json:"status"`
	NextChargeAt   *time.Time               `json:"nextChargeAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"plans": h.plans.Plans()})
}

// Create records a subscription whose first payment the wallet has already
// made. txSignature is only logged.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sub, err := h.subs.Create(r.Context(), req.Wallet, req.Plan)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("subscription created via api", map[string]any{
		"subscriptionId": sub.ID,
		"wallet":         sub.Wallet,
		"plan":           string(sub.Plan),
		"txSignature":    req.TxSignature,
	})
	h.writeJSON(w, http.StatusOK, statusResponse{
		SubscriptionID: sub.ID,
		Plan:           sub.Plan,
		Status:         sub.Status,
		NextChargeAt:   sub.NextChargeAt,
	})
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.subs.Pause)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.subs.Resume)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.subs.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*types.Subscription, error)) {
	var req subscriptionIDRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sub, err := op(r.Context(), req.SubscriptionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		NextChargeAt:   sub.NextChargeAt,
	})
}

// Me returns the wallet's ACTIVE subscription, else its PAUSED one, else null.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		h.writeError(w, r, types.NewError(types.ErrCodeInvalidInput, "wallet query param is required"))
		return
	}

	sub, err := h.subs.FindActiveOrPausedByWallet(r.Context(), wallet)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*types.Subscription{"subscription": sub})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidInput, "failed to read request body", err)
	}
	return utils.ParseJSON(body, v)
}

func statusFor(err error) int {
	switch {
	case types.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case types.IsBusinessRule(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var perr *types.Error
	if errors.As(err, &perr) {
		resp.Code = perr.Code
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", map[string]any{"path": r.URL.Path, "error": err})
		resp.Error = "internal error"
	}
	h.writeJSON(w, status, resp)
}

// writeJSON sends v as the response body. The status line is already out by
// the time encoding fails, so the failure can only be logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", map[string]any{"status": status, "error": err})
	}
}
