// Package guard реализует скользящие окна частоты запросов и грубую
// эвристику аномалий вокруг операций платежного ядра.
package guard

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"ton-payment-engine/internal/apperr"
	"ton-payment-engine/internal/config"
	"ton-payment-engine/utils"
)

// Scope - измерение, по которому считается лимит.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeIP     Scope = "ip"
	ScopeUser   Scope = "user"
	ScopeDevice Scope = "device"
	ScopePoll   Scope = "poll"
	scopeFailed Scope = "failed"
)

// globalActorKey - единый ключ глобального окна: глобальный скоуп считает
// все события вне зависимости от актора.
const globalActorKey = "*"

// Config - лимиты гварда по скоупам.
type Config struct {
	Limits           map[Scope]config.ScopeLimit
	Adaptive         config.AdaptiveLimit
	AnomalyMinGap    time.Duration
	AnomalyMaxSpread time.Duration
	MaxFailures      int
}

// Guard проверяет частоту запросов по нескольким независимым скоупам
// (семантика И: любой сработавший лимит отклоняет вызов).
type Guard struct {
	store RateStore
	cfg   Config

	mu              sync.Mutex
	effectiveGlobal float64
}

func NewGuard(store RateStore, cfg Config) *Guard {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	g := &Guard{store: store, cfg: cfg}
	if limit, ok := cfg.Limits[ScopeGlobal]; ok {
		g.effectiveGlobal = float64(limit.Limit)
	}
	return g
}

// Allow сообщает, укладывается ли актор в лимит скоупа. Вызов ничего
// не записывает: запись делается отдельно и только для разрешенных вызовов.
func (g *Guard) Allow(ctx context.Context, scope Scope, actorKey string, now time.Time) (bool, error) {
	limit, ok := g.cfg.Limits[scope]
	if !ok {
		return true, nil
	}

	key := actorKey
	if scope == ScopeGlobal {
		key = globalActorKey
	}

	count, err := g.store.CountSince(ctx, string(scope), key, now.Add(-limit.Window))
	if err != nil {
		return false, err
	}

	if scope == ScopeGlobal && g.cfg.Adaptive.Enabled {
		return count < g.adaptiveGlobalLimit(count, limit.Limit), nil
	}
	return count < limit.Limit, nil
}

// adaptiveGlobalLimit поднимает эффективный глобальный лимит при высокой
// загрузке окна и плавно возвращает его к базовому, когда всплеск прошел.
// Это демпфирует каскадные блокировки при легитимных пиках.
func (g *Guard) adaptiveGlobalLimit(count, base int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	baseF := float64(base)
	if float64(count) > baseF*g.cfg.Adaptive.Threshold {
		g.effectiveGlobal = baseF * g.cfg.Adaptive.IncreaseFactor
	} else if g.effectiveGlobal > baseF {
		g.effectiveGlobal = math.Max(baseF, g.effectiveGlobal*g.cfg.Adaptive.DecreaseFactor)
	}
	return int(g.effectiveGlobal)
}

// Record фиксирует разрешенный вызов в окне скоупа.
func (g *Guard) Record(ctx context.Context, scope Scope, actorKey string, now time.Time) error {
	key := actorKey
	if scope == ScopeGlobal {
		key = globalActorKey
	}
	return g.store.Record(ctx, string(scope), key, now)
}

// RecordFailure фиксирует неудачную попытку создания платежа: частые отказы
// учитываются эвристикой аномалий.
func (g *Guard) RecordFailure(ctx context.Context, actorKey string, now time.Time) {
	if err := g.store.Record(ctx, string(scopeFailed), actorKey, now); err != nil {
		slog.Warn("failed to record payment failure", "actor", utils.MaskHalf(actorKey), "error", err)
	}
}

// IsAnomalous - приближенная двусторонняя эвристика, не статистика:
// актор подозрителен, если минимальный интервал между его запросами
// нечеловечески мал, либо разброс интервалов слишком велик, либо
// накопилось слишком много неудачных попыток.
func (g *Guard) IsAnomalous(ctx context.Context, actorKey string, now time.Time) (bool, error) {
	window := time.Hour
	if limit, ok := g.cfg.Limits[ScopeUser]; ok {
		window = limit.Window
	}
	since := now.Add(-window)

	failures, err := g.store.CountSince(ctx, string(scopeFailed), actorKey, since)
	if err != nil {
		return false, err
	}
	if failures > g.cfg.MaxFailures {
		return true, nil
	}

	timestamps, err := g.store.TimestampsSince(ctx, string(ScopeUser), actorKey, since)
	if err != nil {
		return false, err
	}
	if len(timestamps) < 2 {
		return false, nil
	}

	minGap := time.Duration(math.MaxInt64)
	maxGap := time.Duration(0)
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		if gap < minGap {
			minGap = gap
		}
		if gap > maxGap {
			maxGap = gap
		}
	}

	if minGap < g.cfg.AnomalyMinGap {
		return true, nil
	}
	if maxGap-minGap > g.cfg.AnomalyMaxSpread {
		return true, nil
	}
	return false, nil
}

// CheckCreate пропускает создание платежа через все настроенные скоупы
// и эвристику аномалий. Отказ хранилища здесь фатален (fail closed):
// финансовая безопасность важнее доступности. Отклоненные вызовы
// не записываются, чтобы не наказывать уже заблокированных акторов.
func (g *Guard) CheckCreate(ctx context.Context, actorKey string, now time.Time) error {
	anomalous, err := g.IsAnomalous(ctx, actorKey, now)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "anomaly check failed", err)
	}
	if anomalous {
		slog.Warn("suspicious activity detected", "actor", utils.MaskHalf(actorKey))
		return apperr.ErrRateLimited
	}

	scopes := []Scope{ScopeUser, ScopeGlobal}
	for _, scope := range scopes {
		allowed, err := g.Allow(ctx, scope, actorKey, now)
		if err != nil {
			return apperr.Wrap(apperr.CodeStorage, "rate limit check failed", err)
		}
		if !allowed {
			slog.Info("payment creation rate limited", "actor", utils.MaskHalf(actorKey), "scope", scope)
			return apperr.ErrRateLimited
		}
	}

	for _, scope := range scopes {
		if err := g.Record(ctx, scope, actorKey, now); err != nil {
			return apperr.Wrap(apperr.CodeStorage, "failed to record rate event", err)
		}
	}
	return nil
}

// CheckPoll лимитирует опрос статуса отдельным, более свободным скоупом.
// Проверка не гейтит финансовое действие, поэтому при отказе хранилища
// пропускает вызов с предупреждением в логе (fail open).
func (g *Guard) CheckPoll(ctx context.Context, actorKey string, now time.Time) error {
	allowed, err := g.Allow(ctx, ScopePoll, actorKey, now)
	if err != nil {
		slog.Warn("poll rate check failed open", "actor", utils.MaskHalf(actorKey), "error", err)
		return nil
	}
	if !allowed {
		return apperr.ErrRateLimited
	}
	if err := g.Record(ctx, ScopePoll, actorKey, now); err != nil {
		slog.Warn("failed to record poll event", "actor", utils.MaskHalf(actorKey), "error", err)
	}
	return nil
}

// Evict вычищает из хранилища все события старше самого длинного окна.
func (g *Guard) Evict(ctx context.Context, now time.Time) error {
	longest := time.Duration(0)
	for _, limit := range g.cfg.Limits {
		if limit.Window > longest {
			longest = limit.Window
		}
	}
	if longest == 0 {
		longest = time.Hour
	}
	return g.store.EvictBefore(ctx, now.Add(-longest))
}
