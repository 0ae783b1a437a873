package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ScopeLimit - параметры скользящего окна для одного скоупа.
type ScopeLimit struct {
	Limit  int
	Window time.Duration
}

// AdaptiveLimit - параметры адаптивного глобального лимита.
// Если загрузка окна превышает Threshold долю лимита, эффективный лимит
// временно умножается на IncreaseFactor и затем спадает через DecreaseFactor.
type AdaptiveLimit struct {
	Enabled        bool
	Threshold      float64
	IncreaseFactor float64
	DecreaseFactor float64
}

type conf struct {
	databaseURL     string
	migrationsPath  string
	tonAPIURL       string
	tonAPIKey       string
	apiToken        string
	healthCheckPort int

	minPaymentAmount  decimal.Decimal
	paymentLifetime   time.Duration
	ledgerTimeout     time.Duration
	retryBudget       int
	maxFailedAttempts int

	userLimit   ScopeLimit
	globalLimit ScopeLimit
	pollLimit   ScopeLimit
	adaptive    AdaptiveLimit

	anomalyMinGap    time.Duration
	anomalyMaxSpread time.Duration

	retentionPeriod time.Duration
}

var config conf

// InitConfig загружает конфигурацию из переменных окружения и валидирует ее.
// Ошибка валидации фатальна: приложение не должно стартовать с неполной
// или противоречивой конфигурацией.
func InitConfig() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	config.databaseURL = mustEnv("DATABASE_URL")
	config.migrationsPath = getEnv("MIGRATIONS_PATH", "./db/migrations")
	config.tonAPIURL = mustEnv("TON_API_URL")
	config.tonAPIKey = mustEnv("TON_API_KEY")
	config.apiToken = getEnv("API_TOKEN", "")
	config.healthCheckPort = getEnvInt("HEALTH_CHECK_PORT", 8080)

	minAmount, err := decimal.NewFromString(getEnv("MIN_PAYMENT_AMOUNT", "0.1"))
	if err != nil || minAmount.Sign() <= 0 {
		panic(fmt.Sprintf("invalid MIN_PAYMENT_AMOUNT: %s", getEnv("MIN_PAYMENT_AMOUNT", "0.1")))
	}
	config.minPaymentAmount = minAmount

	config.paymentLifetime = getEnvDuration("PAYMENT_LIFETIME_SECONDS", 300*time.Second)
	config.ledgerTimeout = getEnvDuration("LEDGER_TIMEOUT_SECONDS", 10*time.Second)
	config.retryBudget = getEnvInt("STATUS_RETRY_BUDGET", 3)
	config.maxFailedAttempts = getEnvInt("MAX_FAILED_ATTEMPTS", 3)

	config.userLimit = ScopeLimit{
		Limit:  getEnvInt("RATE_LIMIT_USER", 5),
		Window: getEnvDuration("RATE_LIMIT_USER_WINDOW_SECONDS", time.Hour),
	}
	config.globalLimit = ScopeLimit{
		Limit:  getEnvInt("RATE_LIMIT_GLOBAL", 100),
		Window: getEnvDuration("RATE_LIMIT_GLOBAL_WINDOW_SECONDS", time.Hour),
	}
	config.pollLimit = ScopeLimit{
		Limit:  getEnvInt("RATE_LIMIT_POLL", 30),
		Window: getEnvDuration("RATE_LIMIT_POLL_WINDOW_SECONDS", time.Minute),
	}
	config.adaptive = AdaptiveLimit{
		Enabled:        getEnv("RATE_LIMIT_ADAPTIVE", "true") == "true",
		Threshold:      getEnvFloat("RATE_LIMIT_ADAPTIVE_THRESHOLD", 0.8),
		IncreaseFactor: getEnvFloat("RATE_LIMIT_ADAPTIVE_INCREASE", 1.5),
		DecreaseFactor: getEnvFloat("RATE_LIMIT_ADAPTIVE_DECREASE", 0.9),
	}

	config.anomalyMinGap = getEnvDuration("ANOMALY_MIN_GAP_MS", 0)
	if config.anomalyMinGap == 0 {
		config.anomalyMinGap = 100 * time.Millisecond
	}
	config.anomalyMaxSpread = getEnvDuration("ANOMALY_MAX_SPREAD_SECONDS", time.Hour)

	config.retentionPeriod = getEnvDuration("RETENTION_DAYS", 0)
	if config.retentionPeriod == 0 {
		config.retentionPeriod = 30 * 24 * time.Hour
	}

	validate()
}

func validate() {
	if config.retryBudget <= 0 {
		panic("STATUS_RETRY_BUDGET must be positive")
	}
	if config.maxFailedAttempts <= 0 {
		panic("MAX_FAILED_ATTEMPTS must be positive")
	}
	if config.paymentLifetime <= 0 {
		panic("PAYMENT_LIFETIME_SECONDS must be positive")
	}
	for name, sl := range map[string]ScopeLimit{
		"user":   config.userLimit,
		"global": config.globalLimit,
		"poll":   config.pollLimit,
	} {
		if sl.Limit <= 0 || sl.Window <= 0 {
			panic(fmt.Sprintf("rate limit for scope %q must have positive limit and window", name))
		}
	}
	if config.adaptive.Enabled {
		if config.adaptive.Threshold <= 0 || config.adaptive.Threshold > 1 {
			panic("RATE_LIMIT_ADAPTIVE_THRESHOLD must be in (0, 1]")
		}
		if config.adaptive.IncreaseFactor < 1 {
			panic("RATE_LIMIT_ADAPTIVE_INCREASE must be >= 1")
		}
		if config.adaptive.DecreaseFactor <= 0 || config.adaptive.DecreaseFactor > 1 {
			panic("RATE_LIMIT_ADAPTIVE_DECREASE must be in (0, 1]")
		}
	}
}

func DatabaseURL() string { return config.databaseURL }

func MigrationsPath() string { return config.migrationsPath }

func TonAPIURL() string { return config.tonAPIURL }

func TonAPIKey() string { return config.tonAPIKey }

func APIToken() string { return config.apiToken }

func GetHealthCheckPort() int { return config.healthCheckPort }

func MinPaymentAmount() decimal.Decimal { return config.minPaymentAmount }

func PaymentLifetime() time.Duration { return config.paymentLifetime }

func LedgerTimeout() time.Duration { return config.ledgerTimeout }

func StatusRetryBudget() int { return config.retryBudget }

func MaxFailedAttempts() int { return config.maxFailedAttempts }

func UserLimit() ScopeLimit { return config.userLimit }

func GlobalLimit() ScopeLimit { return config.globalLimit }

func PollLimit() ScopeLimit { return config.pollLimit }

func Adaptive() AdaptiveLimit { return config.adaptive }

func AnomalyMinGap() time.Duration { return config.anomalyMinGap }

func AnomalyMaxSpread() time.Duration { return config.anomalyMaxSpread }

func RetentionPeriod() time.Duration { return config.retentionPeriod }

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("environment variable %s is required", key))
	}
	return v
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid integer in %s: %s", key, v))
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float in %s: %s", key, v))
	}
	return f
}

// getEnvDuration читает длительность в секундах (или миллисекундах для
// ключей с суффиксом _MS).
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid duration in %s: %s", key, v))
	}
	if len(key) > 3 && key[len(key)-3:] == "_MS" {
		return time.Duration(n) * time.Millisecond
	}
	if len(key) > 5 && key[len(key)-5:] == "_DAYS" {
		return time.Duration(n) * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}
