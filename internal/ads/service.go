// Package ads - нижестоящее действие платежного цикла: создание
// рекламного объявления, оплаченного подтвержденной заявкой.
package ads

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ton-payment-engine/internal/apperr"
	"ton-payment-engine/internal/database"
	"ton-payment-engine/internal/payment"
	"ton-payment-engine/utils"
)

// Repository - хранилище объявлений.
type Repository interface {
	Create(ctx context.Context, ad *database.Advertisement) (int64, error)
	FindByActor(ctx context.Context, actorID int64) ([]database.Advertisement, error)
	FindActive(ctx context.Context) ([]database.Advertisement, error)
}

// Draft - содержимое будущего объявления.
type Draft struct {
	Title       string
	Description string
	MediaURL    string
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Create создает объявление по одноразовому токену израсходованной заявки.
// Токен выдается движком ровно один раз, уникальный индекс по payment_id
// страхует инвариант на уровне базы.
func (s *Service) Create(ctx context.Context, token *payment.ConsumeToken, draft Draft) (int64, error) {
	if token == nil || token.Token == "" {
		return 0, apperr.ErrNotConfirmed
	}
	if strings.TrimSpace(draft.Title) == "" {
		return 0, apperr.New(apperr.CodeInvalidInput, "advertisement title is required")
	}

	id, err := s.repo.Create(ctx, &database.Advertisement{
		ActorID:     token.ActorID,
		PaymentID:   token.RequestID,
		Title:       draft.Title,
		Description: draft.Description,
		MediaURL:    draft.MediaURL,
		Status:      database.AdStatusActive,
		CreatedAt:   s.clock(),
	})
	if err != nil {
		return 0, err
	}

	slog.Info("advertisement created",
		"adId", id,
		"paymentId", token.RequestID,
		"actor", utils.MaskHalfInt64(token.ActorID))
	return id, nil
}

// ListByActor возвращает объявления актора.
func (s *Service) ListByActor(ctx context.Context, actorID int64) ([]database.Advertisement, error) {
	return s.repo.FindByActor(ctx, actorID)
}

// ListActive возвращает все активные объявления.
func (s *Service) ListActive(ctx context.Context) ([]database.Advertisement, error) {
	return s.repo.FindActive(ctx)
}
