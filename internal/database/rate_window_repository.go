package database

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4/pgxpool"

	"ton-payment-engine/internal/apperr"
)

// RateWindowRepository хранит отметки времени запросов для скользящих окон.
// Отметки старше окна вычищаются лениво (EvictBefore) и никогда не живут
// дольше ретеншна гварда.
type RateWindowRepository struct {
	pool *pgxpool.Pool
}

func NewRateWindowRepository(pool *pgxpool.Pool) *RateWindowRepository {
	return &RateWindowRepository{pool: pool}
}

// Record фиксирует одно событие для пары (scope, actorKey).
func (r *RateWindowRepository) Record(ctx context.Context, scope, actorKey string, ts time.Time) error {
	query, args, err := psql.Insert("rate_windows").
		Columns("scope", "actor_key", "requested_at").
		Values(scope, actorKey, ts).
		ToSql()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to build rate window insert", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to record rate event", err)
	}
	return nil
}

// CountSince возвращает число событий в хвостовом окне [since, now].
func (r *RateWindowRepository) CountSince(ctx context.Context, scope, actorKey string, since time.Time) (int, error) {
	query, args, err := psql.Select("count(*)").
		From("rate_windows").
		Where(sq.Eq{"scope": scope, "actor_key": actorKey}).
		Where(sq.GtOrEq{"requested_at": since}).
		ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to build rate window count", err)
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to count rate events", err)
	}
	return count, nil
}

// TimestampsSince возвращает упорядоченные отметки времени актора
// для эвристики аномалий.
func (r *RateWindowRepository) TimestampsSince(ctx context.Context, scope, actorKey string, since time.Time) ([]time.Time, error) {
	query, args, err := psql.Select("requested_at").
		From("rate_windows").
		Where(sq.Eq{"scope": scope, "actor_key": actorKey}).
		Where(sq.GtOrEq{"requested_at": since}).
		OrderBy("requested_at ASC").
		ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to build timestamps query", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to query rate timestamps", err)
	}
	defer rows.Close()

	var result []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, apperr.Wrap(apperr.CodeStorage, "failed to scan rate timestamp", err)
		}
		result = append(result, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to read rate timestamps", err)
	}
	return result, nil
}

// EvictBefore удаляет события старше cutoff по всем скоупам.
func (r *RateWindowRepository) EvictBefore(ctx context.Context, cutoff time.Time) error {
	query, args, err := psql.Delete("rate_windows").
		Where(sq.Lt{"requested_at": cutoff}).
		ToSql()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to build rate window eviction", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to evict rate events", err)
	}
	return nil
}
