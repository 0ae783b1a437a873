package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ton-payment-engine/internal/apperr"
	"ton-payment-engine/internal/config"
	"ton-payment-engine/internal/database"
	"ton-payment-engine/internal/guard"
	"ton-payment-engine/internal/payment"
	"ton-payment-engine/internal/ton"
)

// memoryStore - потокобезопасная реализация Store для тестов.
type memoryStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*database.PaymentRequest
}

func newMemoryStore() *memoryStore {
	return &memoryStore{requests: make(map[uuid.UUID]*database.PaymentRequest)}
}

func (s *memoryStore) Create(_ context.Context, p *database.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.requests[p.ID] = &cp
	return nil
}

func (s *memoryStore) FindByID(_ context.Context, id uuid.UUID) (*database.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memoryStore) TransitionState(_ context.Context, id uuid.UUID, from, to database.PaymentState, confirmedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[id]
	if !ok || p.State != from {
		return false, nil
	}
	p.State = to
	if confirmedAt != nil {
		p.ConfirmedAt = confirmedAt
	}
	return true, nil
}

func (s *memoryStore) IncrementRetry(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[id]
	if !ok {
		return 0, apperr.ErrNotFound
	}
	p.RetryCount++
	return p.RetryCount, nil
}

func (s *memoryStore) ResetRetry(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[id]
	if !ok {
		return apperr.ErrNotFound
	}
	p.RetryCount = 0
	return nil
}

func (s *memoryStore) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.requests {
		if p.State == database.PaymentStatePending && now.After(p.ExpiresAt) {
			p.State = database.PaymentStateExpired
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.requests {
		if p.State.IsTerminal() && p.State != database.PaymentStateConfirmed && p.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			n++
		}
	}
	return n, nil
}

// fakeLedger - скриптуемый леджер со счетчиками вызовов.
type fakeLedger struct {
	mu            sync.Mutex
	allocErr      error
	statusResult  *ton.PaymentStatus
	statusErr     error
	allocateCalls int
	statusCalls   int
}

func (f *fakeLedger) AllocateAddress(_ context.Context, _ decimal.Decimal, _ time.Duration) (*ton.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocateCalls++
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	return &ton.Allocation{Address: "EQtest-address"}, nil
}

func (f *fakeLedger) GetStatus(_ context.Context, _ string) (*ton.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.statusResult != nil {
		return f.statusResult, nil
	}
	return &ton.PaymentStatus{Status: ton.StatusPending}, nil
}

func (f *fakeLedger) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocateCalls, f.statusCalls
}

func newTestGuard(userLimit int) *guard.Guard {
	return guard.NewGuard(guard.NewMemoryStore(), guard.Config{
		Limits: map[guard.Scope]config.ScopeLimit{
			guard.ScopeUser:   {Limit: userLimit, Window: time.Hour},
			guard.ScopeGlobal: {Limit: 10000, Window: time.Hour},
			guard.ScopePoll:   {Limit: 10000, Window: time.Minute},
		},
		AnomalyMinGap:    0,
		AnomalyMaxSpread: 24 * time.Hour,
		MaxFailures:      100,
	})
}

type engineFixture struct {
	engine *payment.Engine
	store  *memoryStore
	ledger *fakeLedger
	now    time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:  newMemoryStore(),
		ledger: &fakeLedger{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = payment.NewEngine(f.store, f.ledger, newTestGuard(1000), payment.Config{
		MinPaymentAmount: decimal.RequireFromString("0.1"),
		PaymentLifetime:  5 * time.Minute,
		RetryBudget:      3,
		Clock:            func() time.Time { return f.now },
	})
	return f
}

func (f *engineFixture) createPending(t *testing.T) *database.PaymentRequest {
	t.Helper()
	request, err := f.engine.Create(context.Background(), 100500, "1.5")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return request
}

func TestEngine_Create(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)

	if request.State != database.PaymentStatePending {
		t.Fatalf("new request state = %s, want pending", request.State)
	}
	if request.Address == "" {
		t.Fatalf("new request must carry the allocated address")
	}
	if want := f.now.Add(5 * time.Minute); !request.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", request.ExpiresAt, want)
	}

	stored, err := f.store.FindByID(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("request was not persisted: %v", err)
	}
	if stored.State != database.PaymentStatePending {
		t.Fatalf("persisted state = %s, want pending", stored.State)
	}
}

func TestEngine_Create_InvalidAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		amount string
	}{
		{name: "malformed", amount: "not-a-number"},
		{name: "below minimum", amount: "0.05"},
		{name: "negative", amount: "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newEngineFixture(t)
			_, err := f.engine.Create(context.Background(), 1, tt.amount)
			if apperr.CodeOf(err) != apperr.CodeInvalidAmount {
				t.Fatalf("expected invalid amount, got %v", err)
			}

			// Невалидная сумма отсекается до обращения к леджеру.
			if allocs, _ := f.ledger.calls(); allocs != 0 {
				t.Fatalf("ledger must not be called, got %d allocations", allocs)
			}
		})
	}
}

func TestEngine_Create_RateLimited(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.engine = payment.NewEngine(f.store, f.ledger, newTestGuard(1), payment.Config{
		MinPaymentAmount: decimal.RequireFromString("0.1"),
		PaymentLifetime:  5 * time.Minute,
		RetryBudget:      3,
		Clock:            func() time.Time { return f.now },
	})

	if _, err := f.engine.Create(context.Background(), 7, "1"); err != nil {
		t.Fatalf("first create should pass: %v", err)
	}
	_, err := f.engine.Create(context.Background(), 7, "1")
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}

	// Отклоненный вызов не доходит до леджера.
	if allocs, _ := f.ledger.calls(); allocs != 1 {
		t.Fatalf("expected 1 allocation, got %d", allocs)
	}
}

func TestEngine_Create_LedgerDown_NothingPersisted(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.ledger.allocErr = apperr.ErrLedgerUnavailable

	_, err := f.engine.Create(context.Background(), 7, "1")
	if !errors.Is(err, apperr.ErrLedgerUnavailable) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}

	f.store.mu.Lock()
	stored := len(f.store.requests)
	f.store.mu.Unlock()
	if stored != 0 {
		t.Fatalf("no request may be persisted without an address, got %d", stored)
	}
}

func TestEngine_CheckStatus_NotFound(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	_, err := f.engine.CheckStatus(context.Background(), uuid.New())
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEngine_CheckStatus_Confirms(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)
	f.ledger.statusResult = &ton.PaymentStatus{
		Status:         ton.StatusConfirmed,
		ObservedAmount: request.Amount,
	}

	updated, err := f.engine.CheckStatus(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if updated.State != database.PaymentStateConfirmed {
		t.Fatalf("state = %s, want confirmed", updated.State)
	}
	if updated.ConfirmedAt == nil {
		t.Fatalf("confirmedAt must be set on confirmation")
	}
}

func TestEngine_CheckStatus_PendingStaysPending(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)

	updated, err := f.engine.CheckStatus(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if updated.State != database.PaymentStatePending {
		t.Fatalf("state = %s, want pending", updated.State)
	}
}

func TestEngine_CheckStatus_LazyExpiry(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)

	// Сдвигаем часы за границу жизни заявки.
	f.now = f.now.Add(6 * time.Minute)

	updated, err := f.engine.CheckStatus(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if updated.State != database.PaymentStateExpired {
		t.Fatalf("state = %s, want expired", updated.State)
	}

	// Просроченная заявка истекает без обращения к леджеру.
	if _, statusCalls := f.ledger.calls(); statusCalls != 0 {
		t.Fatalf("ledger must not be polled for an overdue request, got %d calls", statusCalls)
	}
}

func TestEngine_CheckStatus_TerminalIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)
	f.ledger.statusResult = &ton.PaymentStatus{Status: ton.StatusConfirmed}

	if _, err := f.engine.CheckStatus(context.Background(), request.ID); err != nil {
		t.Fatalf("first check failed: %v", err)
	}
	_, statusCallsAfterFirst := f.ledger.calls()

	// Повторные проверки конечного состояния отвечают из хранилища.
	for i := 0; i < 3; i++ {
		updated, err := f.engine.CheckStatus(context.Background(), request.ID)
		if err != nil {
			t.Fatalf("repeat check failed: %v", err)
		}
		if updated.State != database.PaymentStateConfirmed {
			t.Fatalf("state = %s, want confirmed", updated.State)
		}
	}
	if _, statusCalls := f.ledger.calls(); statusCalls != statusCallsAfterFirst {
		t.Fatalf("terminal reads must not hit the ledger: %d calls, want %d", statusCalls, statusCallsAfterFirst)
	}
}

func TestEngine_CheckStatus_RetryBudget(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)
	f.ledger.statusErr = apperr.ErrLedgerUnavailable

	// Первые две неудачи съедают бюджет, но оставляют заявку pending.
	for i := 0; i < 2; i++ {
		_, err := f.engine.CheckStatus(context.Background(), request.ID)
		if !errors.Is(err, apperr.ErrLedgerUnavailable) {
			t.Fatalf("attempt %d: expected ledger unavailable, got %v", i+1, err)
		}
		stored, _ := f.store.FindByID(context.Background(), request.ID)
		if stored.State != database.PaymentStatePending {
			t.Fatalf("attempt %d: state = %s, want pending", i+1, stored.State)
		}
	}

	// Третья неудача исчерпывает бюджет и фиксирует failed.
	updated, err := f.engine.CheckStatus(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("final check failed: %v", err)
	}
	if updated.State != database.PaymentStateFailed {
		t.Fatalf("state = %s, want failed", updated.State)
	}

	// Дальше заявка конечна: леджер больше не опрашивается.
	_, statusCallsBefore := f.ledger.calls()
	if _, err := f.engine.CheckStatus(context.Background(), request.ID); err != nil {
		t.Fatalf("check of failed request errored: %v", err)
	}
	if _, statusCalls := f.ledger.calls(); statusCalls != statusCallsBefore {
		t.Fatalf("failed request must not be polled again")
	}
}

func TestEngine_CheckStatus_RetryBudgetCountsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)

	// Две неудачи подряд съедают часть бюджета.
	f.ledger.statusErr = apperr.ErrLedgerUnavailable
	for i := 0; i < 2; i++ {
		if _, err := f.engine.CheckStatus(context.Background(), request.ID); !errors.Is(err, apperr.ErrLedgerUnavailable) {
			t.Fatalf("attempt %d: expected ledger unavailable, got %v", i+1, err)
		}
	}

	// Успешный pending-ответ прерывает серию и обнуляет счетчик.
	f.ledger.statusErr = nil
	updated, err := f.engine.CheckStatus(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("healthy poll failed: %v", err)
	}
	if updated.State != database.PaymentStatePending {
		t.Fatalf("state = %s, want pending", updated.State)
	}
	stored, _ := f.store.FindByID(context.Background(), request.ID)
	if stored.RetryCount != 0 {
		t.Fatalf("retry count = %d after healthy poll, want 0", stored.RetryCount)
	}

	// Новая серия из двух неудач не роняет заявку: бюджет считает
	// только подряд идущие отказы.
	f.ledger.statusErr = apperr.ErrLedgerUnavailable
	for i := 0; i < 2; i++ {
		if _, err := f.engine.CheckStatus(context.Background(), request.ID); !errors.Is(err, apperr.ErrLedgerUnavailable) {
			t.Fatalf("attempt %d of new streak: expected ledger unavailable, got %v", i+1, err)
		}
		stored, _ := f.store.FindByID(context.Background(), request.ID)
		if stored.State != database.PaymentStatePending {
			t.Fatalf("state = %s after %d non-consecutive failures, want pending", stored.State, i+3)
		}
	}

	// Третий подряд идущий отказ исчерпывает бюджет.
	updated, err = f.engine.CheckStatus(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("final check failed: %v", err)
	}
	if updated.State != database.PaymentStateFailed {
		t.Fatalf("state = %s, want failed", updated.State)
	}
}

func TestEngine_CheckStatus_Cancellation(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.ledger.statusErr = ctx.Err()

	_, err := f.engine.CheckStatus(ctx, request.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Отмена не трогает ни бюджет повторов, ни состояние.
	stored, _ := f.store.FindByID(context.Background(), request.ID)
	if stored.RetryCount != 0 {
		t.Fatalf("retry budget must not be charged on cancellation, got %d", stored.RetryCount)
	}
	if stored.State != database.PaymentStatePending {
		t.Fatalf("state = %s, want pending", stored.State)
	}
}

func TestEngine_ConsumeConfirmed(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)

	// Pending-заявку расходовать нельзя.
	if _, err := f.engine.ConsumeConfirmed(context.Background(), request.ID); !errors.Is(err, apperr.ErrNotConfirmed) {
		t.Fatalf("expected not confirmed, got %v", err)
	}

	f.ledger.statusResult = &ton.PaymentStatus{Status: ton.StatusConfirmed}
	if _, err := f.engine.CheckStatus(context.Background(), request.ID); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	token, err := f.engine.ConsumeConfirmed(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if token.RequestID != request.ID || token.ActorID != request.ActorID || token.Token == "" {
		t.Fatalf("malformed consume token: %+v", token)
	}

	// Второй расход той же заявки - конфликт, а не повторный токен.
	if _, err := f.engine.ConsumeConfirmed(context.Background(), request.ID); !errors.Is(err, apperr.ErrAlreadyConsumed) {
		t.Fatalf("expected already consumed, got %v", err)
	}
}

func TestEngine_ConsumeConfirmed_Concurrent(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	request := f.createPending(t)
	f.ledger.statusResult = &ton.PaymentStatus{Status: ton.StatusConfirmed}
	if _, err := f.engine.CheckStatus(context.Background(), request.ID); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		tokens    int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ConsumeConfirmed(context.Background(), request.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				tokens++
			case errors.Is(err, apperr.ErrAlreadyConsumed):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if tokens != 1 {
		t.Fatalf("exactly one consumer may win, got %d tokens", tokens)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestSweeper_Sweep(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	overdue := f.createPending(t)
	f.now = f.now.Add(time.Minute)
	fresh := f.createPending(t)

	clock := f.now.Add(5 * time.Minute)
	sweeper := payment.NewSweeperWithClock(f.store, 30*24*time.Hour, func() time.Time { return clock })
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	stored, _ := f.store.FindByID(context.Background(), overdue.ID)
	if stored.State != database.PaymentStateExpired {
		t.Fatalf("overdue request state = %s, want expired", stored.State)
	}
	stored, _ = f.store.FindByID(context.Background(), fresh.ID)
	if stored.State != database.PaymentStatePending {
		t.Fatalf("fresh request state = %s, want pending", stored.State)
	}
}
