// Package payment реализует машину состояний платежной заявки:
// pending -> confirmed -> consumed, pending -> expired, pending -> failed.
// Все переходы проходят через этот движок; UI-слой никогда не трогает
// состояния напрямую.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ton-payment-engine/internal/apperr"
	"ton-payment-engine/internal/database"
	"ton-payment-engine/internal/guard"
	"ton-payment-engine/internal/ton"
	"ton-payment-engine/utils"
)

// Store - долговечное хранилище заявок. Переходы состояний выполняются
// атомарным compare-and-swap по (id, ожидаемое состояние).
type Store interface {
	Create(ctx context.Context, p *database.PaymentRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*database.PaymentRequest, error)
	TransitionState(ctx context.Context, id uuid.UUID, from, to database.PaymentState, confirmedAt *time.Time) (bool, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)
	ResetRetry(ctx context.Context, id uuid.UUID) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config - параметры движка.
type Config struct {
	MinPaymentAmount decimal.Decimal
	PaymentLifetime  time.Duration
	RetryBudget      int

	// Clock подменяется в тестах; по умолчанию time.Now.
	Clock func() time.Time
}

// ConsumeToken - одноразовое разрешение на создание нижестоящего действия.
// Выдается ровно один раз на заявку: сам переход confirmed -> consumed
// и есть точка авторизации, токен лишь переносит ее результат.
type ConsumeToken struct {
	RequestID uuid.UUID
	ActorID   int64
	Token     string
}

// Engine - оркестратор жизненного цикла платежной заявки.
type Engine struct {
	store  Store
	ledger ton.Ledger
	guard  *guard.Guard
	cfg    Config
	locks  stripedLocks
}

func NewEngine(store Store, ledger ton.Ledger, g *guard.Guard, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	return &Engine{store: store, ledger: ledger, guard: g, cfg: cfg}
}

// Create создает новую заявку: валидация суммы, проверка лимитов,
// выделение адреса леджером и только затем запись pending-заявки.
// При недоступности леджера ничего не сохраняется - половинчатых
// заявок не бывает.
func (e *Engine) Create(ctx context.Context, actorID int64, amountStr string) (*database.PaymentRequest, error) {
	now := e.cfg.Clock()
	actorKey := strconv.FormatInt(actorID, 10)

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		e.guard.RecordFailure(ctx, actorKey, now)
		return nil, apperr.Wrap(apperr.CodeInvalidAmount, "malformed amount", err)
	}
	if amount.LessThan(e.cfg.MinPaymentAmount) {
		e.guard.RecordFailure(ctx, actorKey, now)
		return nil, apperr.ErrInvalidAmount
	}

	if err := e.guard.CheckCreate(ctx, actorKey, now); err != nil {
		return nil, err
	}

	alloc, err := e.ledger.AllocateAddress(ctx, amount, e.cfg.PaymentLifetime)
	if err != nil {
		e.guard.RecordFailure(ctx, actorKey, now)
		if apperr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeLedgerUnavailable, "address allocation failed", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	request := &database.PaymentRequest{
		ID:        uuid.New(),
		ActorID:   actorID,
		Amount:    amount,
		Address:   alloc.Address,
		State:     database.PaymentStatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.PaymentLifetime),
	}
	if err := e.store.Create(ctx, request); err != nil {
		return nil, err
	}

	slog.Info("payment request created",
		"id", request.ID,
		"actor", utils.MaskHalfInt64(actorID),
		"amount", amount.String(),
		"expiresAt", request.ExpiresAt)
	return request, nil
}

// CheckStatus возвращает текущее состояние заявки, при необходимости
// сверяясь с леджером. Операция идемпотентна: конечные состояния
// возвращаются из хранилища без обращения к леджеру, просроченные
// pending-заявки лениво переводятся в expired.
func (e *Engine) CheckStatus(ctx context.Context, id uuid.UUID) (*database.PaymentRequest, error) {
	mu := e.locks.forID(id)
	mu.Lock()
	defer mu.Unlock()

	request, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if request.State.IsTerminal() {
		return request, nil
	}

	now := e.cfg.Clock()
	if now.After(request.ExpiresAt) {
		return e.transition(ctx, request, database.PaymentStateExpired, nil)
	}

	// Опрос лимитируется свободнее создания и fail open при отказе
	// хранилища гварда.
	actorKey := strconv.FormatInt(request.ActorID, 10)
	if err := e.guard.CheckPoll(ctx, actorKey, now); err != nil {
		return nil, err
	}

	status, err := e.ledger.GetStatus(ctx, request.Address)
	if err != nil {
		if ctx.Err() != nil {
			// Отмена вызывающего контекста не трогает ни состояние,
			// ни бюджет повторов.
			return nil, ctx.Err()
		}
		return e.handleLedgerFailure(ctx, request)
	}

	// Бюджет повторов считает только подряд идущие отказы: успешный
	// ответ леджера обнуляет накопленную серию.
	if request.RetryCount > 0 {
		if err := e.store.ResetRetry(ctx, request.ID); err != nil {
			return nil, err
		}
		request.RetryCount = 0
	}

	if status.Status == ton.StatusConfirmed {
		confirmedAt := now
		updated, err := e.transition(ctx, request, database.PaymentStateConfirmed, &confirmedAt)
		if err != nil {
			return nil, err
		}
		if updated.State == database.PaymentStateConfirmed {
			slog.Info("payment confirmed",
				"id", request.ID,
				"actor", utils.MaskHalfInt64(request.ActorID),
				"observedAmount", status.ObservedAmount.String())
		}
		return updated, nil
	}

	// pending и unknown не двигают машину состояний.
	return request, nil
}

// handleLedgerFailure списывает бюджет повторов и переводит заявку
// в failed, когда подряд исчерпаны все попытки.
func (e *Engine) handleLedgerFailure(ctx context.Context, request *database.PaymentRequest) (*database.PaymentRequest, error) {
	retries, err := e.store.IncrementRetry(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	if retries < e.cfg.RetryBudget {
		slog.Warn("ledger status check failed",
			"id", request.ID,
			"actor", utils.MaskHalfInt64(request.ActorID),
			"retries", retries)
		return nil, apperr.ErrLedgerUnavailable
	}

	updated, err := e.transition(ctx, request, database.PaymentStateFailed, nil)
	if err != nil {
		return nil, err
	}
	slog.Error("payment failed after retry budget exhausted",
		"id", request.ID,
		"actor", utils.MaskHalfInt64(request.ActorID),
		"retries", retries)
	return updated, nil
}

// ConsumeConfirmed атомарно переводит заявку confirmed -> consumed и
// возвращает одноразовый токен. Повторный вызов - ошибка, а не no-op:
// нижестоящее действие нельзя продублировать.
func (e *Engine) ConsumeConfirmed(ctx context.Context, id uuid.UUID) (*ConsumeToken, error) {
	mu := e.locks.forID(id)
	mu.Lock()
	defer mu.Unlock()

	request, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch request.State {
	case database.PaymentStateConfirmed:
	case database.PaymentStateConsumed:
		return nil, apperr.ErrAlreadyConsumed
	default:
		return nil, apperr.ErrNotConfirmed
	}

	ok, err := e.store.TransitionState(ctx, id, database.PaymentStateConfirmed, database.PaymentStateConsumed, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Гонку выиграл другой вызов.
		return nil, apperr.ErrAlreadyConsumed
	}

	slog.Info("payment consumed", "id", id, "actor", utils.MaskHalfInt64(request.ActorID))
	return &ConsumeToken{
		RequestID: id,
		ActorID:   request.ActorID,
		Token:     uuid.NewString(),
	}, nil
}

// transition применяет CAS-переход из pending и перечитывает заявку,
// если переход уже сделал кто-то другой.
func (e *Engine) transition(ctx context.Context, request *database.PaymentRequest, to database.PaymentState, confirmedAt *time.Time) (*database.PaymentRequest, error) {
	ok, err := e.store.TransitionState(ctx, request.ID, database.PaymentStatePending, to, confirmedAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := e.store.FindByID(ctx, request.ID)
		if err != nil {
			return nil, err
		}
		return current, nil
	}
	updated := *request
	updated.State = to
	updated.ConfirmedAt = confirmedAt
	return &updated, nil
}

// ErrIsRetriable сообщает, стоит ли вызывающему повторить операцию позже.
func ErrIsRetriable(err error) bool {
	return errors.Is(err, apperr.ErrLedgerUnavailable)
}
