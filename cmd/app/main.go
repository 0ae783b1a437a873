package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/robfig/cron/v3"

	"ton-payment-engine/internal/ads"
	"ton-payment-engine/internal/analytics"
	"ton-payment-engine/internal/config"
	"ton-payment-engine/internal/database"
	"ton-payment-engine/internal/guard"
	"ton-payment-engine/internal/handler"
	"ton-payment-engine/internal/payment"
	"ton-payment-engine/internal/ton"
)

// main инициализирует все компоненты платежного ядра и поднимает
// HTTP-интерфейс для слоя бота.
func main() {
	// Контекст с обработкой сигналов прерывания для корректного завершения
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Конфигурация из переменных окружения, валидируется при старте
	config.InitConfig()

	// Подключение к PostgreSQL
	pool, err := initDatabase(ctx, config.DatabaseURL())
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	// Миграции схемы
	err = database.RunMigrations(&database.MigrationConfig{Direction: "up", MigrationsPath: config.MigrationsPath()}, config.DatabaseURL())
	if err != nil {
		panic(err)
	}

	// Репозитории
	paymentRepository := database.NewPaymentRepository(pool)
	rateWindowRepository := database.NewRateWindowRepository(pool)
	advertisementRepository := database.NewAdvertisementRepository(pool)

	// Клиент внешнего леджера (TON API)
	ledgerClient := ton.NewClient(config.TonAPIURL(), config.TonAPIKey(), config.LedgerTimeout())

	// Гвард частоты запросов поверх персистентных окон
	rateGuard := guard.NewGuard(rateWindowRepository, guard.Config{
		Limits: map[guard.Scope]config.ScopeLimit{
			guard.ScopeUser:   config.UserLimit(),
			guard.ScopeGlobal: config.GlobalLimit(),
			guard.ScopePoll:   config.PollLimit(),
		},
		Adaptive:         config.Adaptive(),
		AnomalyMinGap:    config.AnomalyMinGap(),
		AnomalyMaxSpread: config.AnomalyMaxSpread(),
		MaxFailures:      config.MaxFailedAttempts(),
	})

	// Движок жизненного цикла платежей
	engine := payment.NewEngine(paymentRepository, ledgerClient, rateGuard, payment.Config{
		MinPaymentAmount: config.MinPaymentAmount(),
		PaymentLifetime:  config.PaymentLifetime(),
		RetryBudget:      config.StatusRetryBudget(),
	})

	adsService := ads.NewService(advertisementRepository)
	aggregator := analytics.NewAggregator(paymentRepository, 5*time.Minute)

	// Фоновые задачи: свипер просроченных заявок, чистка окон гварда,
	// пересчет аналитики и ретеншн объявлений
	scheduler := setupScheduler(paymentRepository, advertisementRepository, rateGuard, aggregator)
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP-интерфейс ядра
	h := handler.NewHandler(engine, adsService, aggregator, config.APIToken())
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("/healthcheck", healthHandler(pool))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetHealthCheckPort()),
		Handler: mux,
	}
	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	slog.Info("Payment engine is running")
	<-ctx.Done()

	log.Println("Shutting down server…")
	shutdownCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// initDatabase инициализирует пул соединений PostgreSQL.
func initDatabase(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 5

	return pgxpool.ConnectConfig(ctx, poolConfig)
}

// healthHandler проверяет доступность базы данных.
func healthHandler(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		db := "ok"

		dbCtx, dbCancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer dbCancel()
		if err := pool.Ping(dbCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			status = "fail"
			db = "error: " + err.Error()
		} else {
			w.WriteHeader(http.StatusOK)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"%s","db":"%s","time":"%s"}`,
			status, db, time.Now().Format(time.RFC3339))
	})
}

// setupScheduler настраивает cron-задачи ядра. Свипер - оптимизация
// живости: ленивое истечение в CheckStatus сохраняет корректность
// и без него.
func setupScheduler(
	paymentRepository *database.PaymentRepository,
	advertisementRepository *database.AdvertisementRepository,
	rateGuard *guard.Guard,
	aggregator *analytics.Aggregator,
) *cron.Cron {
	c := cron.New(cron.WithSeconds())

	sweeper := payment.NewSweeper(paymentRepository, config.RetentionPeriod())

	// Просроченные pending-заявки переводятся в expired каждые 30 секунд
	_, err := c.AddFunc("*/30 * * * * *", func() {
		if err := sweeper.Sweep(context.Background()); err != nil {
			slog.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		panic(err)
	}

	// Пересчет аналитики каждые 5 минут
	_, err = c.AddFunc("0 */5 * * * *", func() {
		aggregator.RefreshLoop(context.Background())
	})
	if err != nil {
		panic(err)
	}

	// Чистка окон гварда каждый час
	_, err = c.AddFunc("0 0 * * * *", func() {
		if err := rateGuard.Evict(context.Background(), time.Now()); err != nil {
			slog.Error("rate window eviction failed", "error", err)
		}
	})
	if err != nil {
		panic(err)
	}

	// Ретеншн истекших объявлений раз в сутки
	_, err = c.AddFunc("0 0 4 * * *", func() {
		cutoff := time.Now().Add(-config.RetentionPeriod())
		deleted, err := advertisementRepository.DeleteExpiredBefore(context.Background(), cutoff)
		if err != nil {
			slog.Error("advertisement cleanup failed", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("stale advertisements removed", "count", deleted)
		}
	})
	if err != nil {
		panic(err)
	}

	return c
}
