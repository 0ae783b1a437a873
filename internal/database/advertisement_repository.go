package database

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"ton-payment-engine/internal/apperr"
)

// AdvertisementRepository - доступ к таблице advertisements.
// Уникальный индекс по payment_id страхует инвариант "не больше одного
// объявления на платежную заявку" на уровне базы.
type AdvertisementRepository struct {
	pool *pgxpool.Pool
}

func NewAdvertisementRepository(pool *pgxpool.Pool) *AdvertisementRepository {
	return &AdvertisementRepository{pool: pool}
}

func (r *AdvertisementRepository) Create(ctx context.Context, ad *Advertisement) (int64, error) {
	query, args, err := psql.Insert("advertisements").
		Columns("actor_id", "payment_id", "title", "description", "media_url", "status", "created_at").
		Values(ad.ActorID, ad.PaymentID, ad.Title, ad.Description, ad.MediaURL, ad.Status, ad.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to build advertisement insert", err)
	}

	var id int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Нарушение уникальности payment_id: заявка уже израсходована.
			return 0, apperr.ErrAlreadyConsumed
		}
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to insert advertisement", err)
	}
	return id, nil
}

// FindByActor возвращает объявления актора, новые первыми.
func (r *AdvertisementRepository) FindByActor(ctx context.Context, actorID int64) ([]Advertisement, error) {
	return r.find(ctx, sq.Eq{"actor_id": actorID})
}

// FindActive возвращает все активные объявления.
func (r *AdvertisementRepository) FindActive(ctx context.Context) ([]Advertisement, error) {
	return r.find(ctx, sq.Eq{"status": AdStatusActive})
}

func (r *AdvertisementRepository) find(ctx context.Context, where sq.Eq) ([]Advertisement, error) {
	query, args, err := psql.Select("id", "actor_id", "payment_id", "title", "description", "media_url", "status", "created_at").
		From("advertisements").
		Where(where).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to build advertisement select", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to query advertisements", err)
	}
	defer rows.Close()

	var ads []Advertisement
	for rows.Next() {
		var ad Advertisement
		if err := rows.Scan(&ad.ID, &ad.ActorID, &ad.PaymentID, &ad.Title,
			&ad.Description, &ad.MediaURL, &ad.Status, &ad.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeStorage, "failed to scan advertisement", err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to read advertisements", err)
	}
	return ads, nil
}

// DeleteExpiredBefore удаляет истекшие объявления старше cutoff.
func (r *AdvertisementRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Delete("advertisements").
		Where(sq.Eq{"status": AdStatusExpired}).
		Where(sq.Lt{"created_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to build advertisement cleanup", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to delete stale advertisements", err)
	}
	return tag.RowsAffected(), nil
}
