package service

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/digkill/GrammarBot/internal/models"
)

// Remote keys of the flags document.
const (
	flagShowOffer       = "show_offer"
	flagDailyFreeTries  = "daily_free_tries"
	flagShowReviewPopup = "show_review_popup"
	flagCloseDuration   = "close_duration"
)

// FlagSource delivers the raw remote flag values.
type FlagSource interface {
	FetchFlags(ctx context.Context) (map[string]any, error)
}

// DefaultFeatureFlags are used until the remote fetch completes and whenever it fails.
func DefaultFeatureFlags() models.FeatureFlags {
	return models.FeatureFlags{
		ShowOffer:       false,
		DailyFreeTries:  1,
		ShowReviewPopup: false,
		CloseDuration:   18,
	}
}

// FeatureFlagsCache holds the flags for the lifetime of the process. They are
// fetched once at start and read synchronously afterwards.
type FeatureFlagsCache struct {
	source FlagSource
	log    *slog.Logger

	mu    sync.RWMutex
	flags models.FeatureFlags
}

func NewFeatureFlagsCache(source FlagSource, log *slog.Logger) *FeatureFlagsCache {
	return &FeatureFlagsCache{
		source: source,
		log:    log,
		flags:  DefaultFeatureFlags(),
	}
}

// LoadFlags fetches the remote values. No error reaches the caller: a failed
// fetch leaves the defaults in place and a bad field falls back to its own default.
func (c *FeatureFlagsCache) LoadFlags(ctx context.Context) {
	if c.source == nil {
		c.log.Info("no remote flag source configured, using defaults")
		return
	}
	values, err := c.source.FetchFlags(ctx)
	if err != nil {
		c.log.Warn("feature flag fetch failed, using defaults", "err", err)
		return
	}

	defaults := DefaultFeatureFlags()
	flags := models.FeatureFlags{
		ShowOffer:       boolValue(values, flagShowOffer, defaults.ShowOffer),
		DailyFreeTries:  nonNegativeInt(values, flagDailyFreeTries, defaults.DailyFreeTries),
		ShowReviewPopup: boolValue(values, flagShowReviewPopup, defaults.ShowReviewPopup),
		CloseDuration:   nonNegativeInt(values, flagCloseDuration, defaults.CloseDuration),
	}

	c.mu.Lock()
	c.flags = flags
	c.mu.Unlock()
	c.log.Info("feature flags loaded",
		"show_offer", flags.ShowOffer,
		"daily_free_tries", flags.DailyFreeTries,
		"show_review_popup", flags.ShowReviewPopup,
		"close_duration", flags.CloseDuration,
	)
}

func (c *FeatureFlagsCache) Flags() models.FeatureFlags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags
}

func boolValue(values map[string]any, key string, fallback bool) bool {
	switch v := values[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fallback
		}
		return b
	default:
		return fallback
	}
}

func nonNegativeInt(values map[string]any, key string, fallback int) int {
	var n float64
	switch v := values[key].(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fallback
		}
		n = f
	default:
		return fallback
	}
	if math.IsNaN(n) || n < 0 || n > math.MaxInt32 {
		return fallback
	}
	return int(n)
}
