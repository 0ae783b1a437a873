package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ton-payment-engine/internal/ads"
	"ton-payment-engine/internal/apperr"
	"ton-payment-engine/internal/database"
)

type createPaymentRequest struct {
	ActorID int64  `json:"actorId"`
	Amount  string `json:"amount"`
}

type createPaymentResponse struct {
	ID        uuid.UUID `json:"id"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type paymentStatusResponse struct {
	ID          uuid.UUID  `json:"id"`
	State       string     `json:"state"`
	Amount      string     `json:"amount"`
	Address     string     `json:"address"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

type finalizeRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	MediaURL    string `json:"mediaUrl"`
}

type finalizeResponse struct {
	ActionID int64 `json:"actionId"`
}

// CreatePayment - POST /payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidInput, "malformed request body", err))
		return
	}
	if req.ActorID <= 0 {
		writeError(w, apperr.New(apperr.CodeInvalidInput, "actorId is required"))
		return
	}

	request, err := h.engine.Create(r.Context(), req.ActorID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createPaymentResponse{
		ID:        request.ID,
		Address:   request.Address,
		ExpiresAt: request.ExpiresAt,
	})
}

// GetPaymentStatus - GET /payments/{id}.
func (h *Handler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidInput, "malformed payment id", err))
		return
	}

	request, err := h.engine.CheckStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(request))
}

// FinalizeAdvertisement - POST /payments/{id}/finalize.
// Расходует подтвержденную заявку и создает объявление; вторая попытка
// по той же заявке получает конфликт.
func (h *Handler) FinalizeAdvertisement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidInput, "malformed payment id", err))
		return
	}

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidInput, "malformed request body", err))
		return
	}
	// Валидация до расходования заявки: одноразовый токен не должен
	// сгорать на заведомо невалидном черновике.
	if req.Title == "" {
		writeError(w, apperr.New(apperr.CodeInvalidInput, "title is required"))
		return
	}

	token, err := h.engine.ConsumeConfirmed(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	actionID, err := h.adsService.Create(r.Context(), token, ads.Draft{
		Title:       req.Title,
		Description: req.Description,
		MediaURL:    req.MediaURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, finalizeResponse{ActionID: actionID})
}

// ListAdvertisements - GET /ads[?actorId=].
func (h *Handler) ListAdvertisements(w http.ResponseWriter, r *http.Request) {
	var (
		items []database.Advertisement
		err   error
	)
	if raw := r.URL.Query().Get("actorId"); raw != "" {
		actorID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, apperr.Wrap(apperr.CodeInvalidInput, "malformed actorId", parseErr))
			return
		}
		items, err = h.adsService.ListByActor(r.Context(), actorID)
	} else {
		items, err = h.adsService.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, items)
}

// AnalyticsSnapshot - GET /analytics.
func (h *Handler) AnalyticsSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.aggregator.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func toStatusResponse(p *database.PaymentRequest) paymentStatusResponse {
	return paymentStatusResponse{
		ID:          p.ID,
		State:       string(p.State),
		Amount:      p.Amount.String(),
		Address:     p.Address,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
		ConfirmedAt: p.ConfirmedAt,
	}
}
