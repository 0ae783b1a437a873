package ton

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"ton-payment-engine/internal/apperr"
)

// Ledger - внешний леджер, через который проходят платежи.
// Ядро зависит только от этого интерфейса; сетевой клиент ниже - одна из
// реализаций, тесты подставляют свою.
type Ledger interface {
	AllocateAddress(ctx context.Context, amount decimal.Decimal, lifetime time.Duration) (*Allocation, error)
	GetStatus(ctx context.Context, address string) (*PaymentStatus, error)
}

// Client - HTTP-клиент TON API с bearer-авторизацией.
// Каждый вызов ограничен timeout: ядро никогда не блокируется на леджере
// дольше заданной границы.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// AllocateAddress запрашивает у леджера свежий адрес приема на заданную
// сумму и время жизни.
func (c *Client) AllocateAddress(ctx context.Context, amount decimal.Decimal, lifetime time.Duration) (*Allocation, error) {
	reqBody, err := json.Marshal(allocateRequest{
		Amount:          amount,
		LifetimeSeconds: int64(lifetime.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal allocate request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/createPaymentAddress", c.baseURL), bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create allocate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "allocate address request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.Wrap(apperr.CodeInvalidAmount, "ledger rejected amount", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "allocate address failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var allocResp allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&allocResp); err != nil {
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "failed to decode allocate response", err)
	}
	if allocResp.Address == "" {
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "ledger returned empty address", nil)
	}

	return &Allocation{Address: allocResp.Address, ExpiresAt: allocResp.ExpiresAt}, nil
}

// GetStatus возвращает текущий статус адреса на леджере.
func (c *Client) GetStatus(ctx context.Context, address string) (*PaymentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/getPaymentStatus?%s", c.baseURL,
		url.Values{"address": {address}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "status request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "status check failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var statusResp statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "failed to decode status response", err)
	}

	return &PaymentStatus{
		Status:         parseStatus(statusResp.Status),
		ObservedAmount: statusResp.ObservedAmount,
	}, nil
}

// parseStatus нормализует статус леджера; все незнакомые значения
// трактуются как unknown и не двигают машину состояний.
func parseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "confirmed":
		return StatusConfirmed
	default:
		return StatusUnknown
	}
}
