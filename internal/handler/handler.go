// Package handler - входящий HTTP-интерфейс ядра для слоя бота.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"ton-payment-engine/internal/ads"
	"ton-payment-engine/internal/analytics"
	"ton-payment-engine/internal/apperr"
	"ton-payment-engine/internal/payment"
)

type Handler struct {
	engine     *payment.Engine
	adsService *ads.Service
	aggregator *analytics.Aggregator
	apiToken   string
}

func NewHandler(engine *payment.Engine, adsService *ads.Service, aggregator *analytics.Aggregator, apiToken string) *Handler {
	return &Handler{
		engine:     engine,
		adsService: adsService,
		aggregator: aggregator,
		apiToken:   apiToken,
	}
}

// Register вешает маршруты ядра на роутер.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /payments", h.auth(http.HandlerFunc(h.CreatePayment)))
	mux.Handle("GET /payments/{id}", h.auth(http.HandlerFunc(h.GetPaymentStatus)))
	mux.Handle("POST /payments/{id}/finalize", h.auth(http.HandlerFunc(h.FinalizeAdvertisement)))
	mux.Handle("GET /ads", h.auth(http.HandlerFunc(h.ListAdvertisements)))
	mux.Handle("GET /analytics", h.auth(http.HandlerFunc(h.AnalyticsSnapshot)))
}

// auth - bearer-авторизация слоя бота. Пустой токен в конфигурации
// отключает проверку (локальная разработка).
func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiToken != "" {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token != h.apiToken {
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "invalid or missing bearer token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError переводит типизированные ошибки ядра в HTTP-статусы.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperr.CodeOf(err)
	switch code {
	case apperr.CodeInvalidInput, apperr.CodeInvalidAmount:
		status = http.StatusBadRequest
	case apperr.CodeRateLimited:
		status = http.StatusTooManyRequests
	case apperr.CodeLedgerUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeNotConfirmed, apperr.CodeAlreadyConsumed:
		status = http.StatusConflict
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
	}

	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if payment.ErrIsRetriable(err) {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}
