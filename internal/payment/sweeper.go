package payment

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper - фоновая уборка: переводит просроченные pending-заявки в
// expired и удаляет конечные заявки старше ретеншна. Это оптимизация
// живости - корректность обеспечивает ленивая проверка в CheckStatus.
type Sweeper struct {
	store     Store
	retention time.Duration
	clock     func() time.Time
}

func NewSweeper(store Store, retention time.Duration) *Sweeper {
	return NewSweeperWithClock(store, retention, time.Now)
}

// NewSweeperWithClock создает свипер с подменяемыми часами.
func NewSweeperWithClock(store Store, retention time.Duration, clock func() time.Time) *Sweeper {
	return &Sweeper{store: store, retention: retention, clock: clock}
}

// Sweep выполняет один проход уборки.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock()

	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		slog.Info("expired overdue payment requests", "count", expired)
	}

	deleted, err := s.store.DeleteTerminalBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("archived payment requests removed", "count", deleted)
	}
	return nil
}
