package database

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"ton-payment-engine/internal/apperr"
)

// PaymentRepository - доступ к таблице payment_requests.
// Все переходы состояний выполняются через compare-and-swap по (id, state),
// так что конкурирующие вызовы не могут применить один переход дважды.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const paymentColumns = "id, actor_id, amount::text, address, state, retry_count, created_at, expires_at, confirmed_at"

// Create сохраняет новую заявку. Адрес уже должен быть выделен леджером:
// заявка никогда не существует в базе без адреса.
func (r *PaymentRepository) Create(ctx context.Context, p *PaymentRequest) error {
	query, args, err := psql.Insert("payment_requests").
		Columns("id", "actor_id", "amount", "address", "state", "retry_count", "created_at", "expires_at").
		Values(p.ID, p.ActorID, p.Amount.String(), p.Address, p.State, p.RetryCount, p.CreatedAt, p.ExpiresAt).
		ToSql()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to build insert query", err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to insert payment request", err)
	}
	return nil
}

// FindByID возвращает заявку или apperr.ErrNotFound.
func (r *PaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	query, args, err := psql.Select(paymentColumns).
		From("payment_requests").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to build select query", err)
	}

	row := r.pool.QueryRow(ctx, query, args...)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to fetch payment request", err)
	}
	return p, nil
}

// TransitionState атомарно переводит заявку из from в to.
// Возвращает false, если заявка уже не в состоянии from.
func (r *PaymentRepository) TransitionState(ctx context.Context, id uuid.UUID, from, to PaymentState, confirmedAt *time.Time) (bool, error) {
	builder := psql.Update("payment_requests").
		Set("state", to).
		Where(sq.Eq{"id": id, "state": from})
	if confirmedAt != nil {
		builder = builder.Set("confirmed_at", *confirmedAt)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return false, apperr.Wrap(apperr.CodeStorage, "failed to build update query", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeStorage, "failed to transition payment state", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementRetry увеличивает счетчик неудачных проверок статуса
// и возвращает новое значение.
func (r *PaymentRepository) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	query, args, err := psql.Update("payment_requests").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING retry_count").
		ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to build retry update", err)
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to increment retry count", err)
	}
	return count, nil
}

// ResetRetry обнуляет счетчик неудачных проверок: бюджет повторов
// считает только подряд идущие отказы леджера.
func (r *PaymentRepository) ResetRetry(ctx context.Context, id uuid.UUID) error {
	query, args, err := psql.Update("payment_requests").
		Set("retry_count", 0).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to build retry reset", err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.CodeStorage, "failed to reset retry count", err)
	}
	return nil
}

// ExpireOverdue переводит все просроченные pending-заявки в expired.
// Возвращает число затронутых строк.
func (r *PaymentRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := psql.Update("payment_requests").
		Set("state", PaymentStateExpired).
		Where(sq.Eq{"state": PaymentStatePending}).
		Where(sq.Lt{"expires_at": now}).
		ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to build expire query", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to expire overdue requests", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalBefore удаляет конечные заявки старше cutoff (ретеншн).
// Подтвержденные заявки не удаляются: их еще можно израсходовать.
func (r *PaymentRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := deleteTerminalBeforeSQL(cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to build cleanup query", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "failed to delete archived requests", err)
	}
	return tag.RowsAffected(), nil
}

// deleteTerminalBeforeSQL строит запрос ретеншна. Израсходованная заявка
// удаляется только после ухода ссылающегося на нее объявления: внешний
// ключ advertisements.payment_id иначе отменил бы весь DELETE.
func deleteTerminalBeforeSQL(cutoff time.Time) (string, []interface{}, error) {
	return psql.Delete("payment_requests").
		Where(sq.Eq{"state": []PaymentState{PaymentStateExpired, PaymentStateFailed, PaymentStateConsumed}}).
		Where(sq.Lt{"created_at": cutoff}).
		Where(sq.Expr("NOT EXISTS (SELECT 1 FROM advertisements WHERE advertisements.payment_id = payment_requests.id)")).
		ToSql()
}

// Stats считает агрегаты для аналитики одним проходом по таблице
// плюс дневную разбивку за последние 7 дней.
func (r *PaymentRepository) Stats(ctx context.Context) (*PaymentStats, error) {
	stats := &PaymentStats{DailyCounts: make(map[string]int64)}

	row := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE state IN ('confirmed', 'consumed')),
		       count(*) FILTER (WHERE state = 'failed'),
		       count(*) FILTER (WHERE state = 'expired'),
		       count(*) FILTER (WHERE state = 'consumed'),
		       COALESCE(sum(amount), 0)::text
		FROM payment_requests`)

	var totalAmount string
	if err := row.Scan(&stats.TotalRequests, &stats.ConfirmedCount, &stats.FailedCount,
		&stats.ExpiredCount, &stats.ConsumedCount, &totalAmount); err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to aggregate payment stats", err)
	}

	var err error
	stats.TotalAmount, err = decimal.NewFromString(totalAmount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to parse total amount", err)
	}
	if stats.TotalRequests > 0 {
		stats.AverageAmount = stats.TotalAmount.Div(decimal.NewFromInt(stats.TotalRequests))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT to_char(created_at, 'YYYY-MM-DD'), count(*)
		FROM payment_requests
		WHERE created_at >= now() - interval '7 days'
		GROUP BY 1`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to query daily counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var day string
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, apperr.Wrap(apperr.CodeStorage, "failed to scan daily count", err)
		}
		stats.DailyCounts[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, "failed to read daily counts", err)
	}
	return stats, nil
}

func scanPayment(row pgx.Row) (*PaymentRequest, error) {
	var p PaymentRequest
	var amount string
	if err := row.Scan(&p.ID, &p.ActorID, &amount, &p.Address, &p.State,
		&p.RetryCount, &p.CreatedAt, &p.ExpiresAt, &p.ConfirmedAt); err != nil {
		return nil, err
	}
	var err error
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
