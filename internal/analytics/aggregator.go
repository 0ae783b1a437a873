// Package analytics - read-only агрегация по хранилищу заявок.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ton-payment-engine/internal/database"
)

// StatsSource - источник агрегатов; реализуется PaymentRepository.
type StatsSource interface {
	Stats(ctx context.Context) (*database.PaymentStats, error)
}

// Snapshot - кэшированный срез метрик. AsOf - момент пересчета:
// потребитель видит границу устаревания явно.
type Snapshot struct {
	TotalRequests  int64            `json:"totalRequests"`
	ConfirmedCount int64            `json:"confirmedCount"`
	FailedCount    int64            `json:"failedCount"`
	ExpiredCount   int64            `json:"expiredCount"`
	ConsumedCount  int64            `json:"consumedCount"`
	TotalAmount    decimal.Decimal  `json:"totalAmount"`
	AverageAmount  decimal.Decimal  `json:"averageAmount"`
	DailyCounts    map[string]int64 `json:"dailyCounts"`
	AsOf           time.Time        `json:"asOf"`
}

// Aggregator пересчитывает метрики по расписанию (cron в main) и отдает
// их из кэша. Никогда не мутирует хранилище заявок.
type Aggregator struct {
	source   StatsSource
	maxStale time.Duration

	mu     sync.RWMutex
	cached *Snapshot

	group singleflight.Group
}

func NewAggregator(source StatsSource, maxStale time.Duration) *Aggregator {
	if maxStale <= 0 {
		maxStale = 5 * time.Minute
	}
	return &Aggregator{source: source, maxStale: maxStale}
}

// Refresh пересчитывает срез. Конкурентные вызовы схлопываются в один
// запрос к хранилищу.
func (a *Aggregator) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := a.group.Do("stats", func() (interface{}, error) {
		stats, err := a.source.Stats(ctx)
		if err != nil {
			return nil, err
		}
		snapshot := &Snapshot{
			TotalRequests:  stats.TotalRequests,
			ConfirmedCount: stats.ConfirmedCount,
			FailedCount:    stats.FailedCount,
			ExpiredCount:   stats.ExpiredCount,
			ConsumedCount:  stats.ConsumedCount,
			TotalAmount:    stats.TotalAmount,
			AverageAmount:  stats.AverageAmount,
			DailyCounts:    stats.DailyCounts,
			AsOf:           time.Now(),
		}
		a.mu.Lock()
		a.cached = snapshot
		a.mu.Unlock()
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Snapshot возвращает кэшированный срез, пересчитывая его при
// отсутствии или устаревании сверх maxStale.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	a.mu.RLock()
	cached := a.cached
	a.mu.RUnlock()

	if cached != nil && time.Since(cached.AsOf) <= a.maxStale {
		return cached, nil
	}
	return a.Refresh(ctx)
}

// RefreshLoop - обертка для cron-задачи: ошибки пересчета логируются,
// а не роняют планировщик.
func (a *Aggregator) RefreshLoop(ctx context.Context) {
	if _, err := a.Refresh(ctx); err != nil {
		slog.Error("analytics refresh failed", "error", err)
	}
}
