package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken                     string
	MySQLDSN                     string
	OpenAIAPIKey                 string
	OpenAIBaseURL                string
	OpenAIModel                  string
	CorrectionTimeout            time.Duration
	UsageRetentionDays           int
	BillingKey                   string
	PaywallPlacement             string
	PaywallLocale                string
	TelegramPaymentProviderToken string
	PaymentCurrency              string
	PaymentProvider              string
	AnnualPriceMinorUnits        int
	OfferPriceMinorUnits         int
	PremiumDurationDays          int
	PromoPremiumDays             int
	YooKassaShopID               string
	YooKassaSecretKey            string
	YooKassaReturnURL            string
	ReviewURL                    string
	AdminListenAddr              string
	AdminUsername                string
	AdminPassword                string
	FlagsS3Endpoint              string
	FlagsS3Region                string
	FlagsS3AccessKey             string
	FlagsS3SecretKey             string
	FlagsS3Bucket                string
	FlagsS3Key                   string
	FlagsS3UsePathStyle          bool
}

// FlagsConfigured reports whether a remote flags document is reachable at all.
// Without it the bot runs on the built-in flag defaults.
func (c Config) FlagsConfigured() bool {
	return c.FlagsS3Bucket != "" && c.FlagsS3Region != "" && c.FlagsS3AccessKey != "" && c.FlagsS3SecretKey != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultOpenAIBaseURL = "https://api.openai.com/v1"

	cfg := Config{
		OpenAIBaseURL:         normalizeBaseURL(getEnv("OPENAI_BASE_URL", defaultOpenAIBaseURL), defaultOpenAIBaseURL),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4"),
		CorrectionTimeout:     getDuration("CORRECTION_TIMEOUT_SECONDS", 30*time.Second),
		UsageRetentionDays:    getInt("USAGE_RETENTION_DAYS", 30),
		PaywallPlacement:      getEnv("PAYWALL_PLACEMENT", "grammar.standard.placement"),
		PaywallLocale:         getEnv("PAYWALL_LOCALE", "en"),
		PaymentCurrency:       getEnv("PAYMENT_CURRENCY", "USD"),
		PaymentProvider:       strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		AnnualPriceMinorUnits: getInt("ANNUAL_PRICE_MINOR_UNITS", 6999),
		OfferPriceMinorUnits:  getInt("OFFER_PRICE_MINOR_UNITS", 2999),
		PremiumDurationDays:   getInt("PREMIUM_DURATION_DAYS", 365),
		PromoPremiumDays:      getInt("PROMO_PREMIUM_DAYS", 7),
		YooKassaShopID:        getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey:     getEnv("YOOKASSA_SECRET_KEY", ""),
		YooKassaReturnURL:     getEnv("YOOKASSA_RETURN_URL", ""),
		ReviewURL:             getEnv("REVIEW_URL", "https://apps.apple.com/us/app/ai-rewrite-spell-checker/id6739363989?action=write-review"),
		AdminListenAddr:       getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:         getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:         getEnv("ADMIN_PASSWORD", "change-me"),
		FlagsS3Endpoint:       getEnv("FLAGS_S3_ENDPOINT", ""),
		FlagsS3Region:         os.Getenv("FLAGS_S3_REGION"),
		FlagsS3AccessKey:      os.Getenv("FLAGS_S3_ACCESS_KEY"),
		FlagsS3SecretKey:      os.Getenv("FLAGS_S3_SECRET_KEY"),
		FlagsS3Bucket:         os.Getenv("FLAGS_S3_BUCKET"),
		FlagsS3Key:            getEnv("FLAGS_S3_KEY", "config/feature-flags.json"),
		FlagsS3UsePathStyle:   getBool("FLAGS_S3_USE_PATH_STYLE", false),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.BillingKey = os.Getenv("BILLING_KEY")
	cfg.TelegramPaymentProviderToken = os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks only what the process cannot start without. Billing and
// remote flags are optional: their absence degrades to non-premium and to
// default flags respectively.
func (c Config) validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.CorrectionTimeout <= 0 {
		return fmt.Errorf("CORRECTION_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	// Without a scheme "proxy.local/v1" would parse as a bare path.
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fallback
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration reads a whole number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Plain environment variables are enough in containers.
	return nil
}
