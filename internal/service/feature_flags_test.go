package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/pkg/logger"
)

type stubFlagSource struct {
	values map[string]any
	err    error
}

func (s stubFlagSource) FetchFlags(context.Context) (map[string]any, error) {
	return s.values, s.err
}

func TestFlagsDefaultBeforeLoad(t *testing.T) {
	c := NewFeatureFlagsCache(stubFlagSource{}, logger.Discard())
	assert.Equal(t, DefaultFeatureFlags(), c.Flags())
}

func TestFlagsFetchFailureKeepsDefaults(t *testing.T) {
	c := NewFeatureFlagsCache(stubFlagSource{err: errors.New("timeout")}, logger.Discard())
	c.LoadFlags(context.Background())

	assert.Equal(t, models.FeatureFlags{
		ShowOffer:       false,
		DailyFreeTries:  1,
		ShowReviewPopup: false,
		CloseDuration:   18,
	}, c.Flags())
}

func TestFlagsWithoutSource(t *testing.T) {
	c := NewFeatureFlagsCache(nil, logger.Discard())
	c.LoadFlags(context.Background())
	assert.Equal(t, DefaultFeatureFlags(), c.Flags())
}

func TestFlagsLoaded(t *testing.T) {
	c := NewFeatureFlagsCache(stubFlagSource{values: map[string]any{
		"show_offer":        true,
		"daily_free_tries":  float64(3),
		"show_review_popup": "true",
		"close_duration":    "5",
	}}, logger.Discard())
	c.LoadFlags(context.Background())

	assert.Equal(t, models.FeatureFlags{
		ShowOffer:       true,
		DailyFreeTries:  3,
		ShowReviewPopup: true,
		CloseDuration:   5,
	}, c.Flags())
}

func TestFlagsBadFieldsFallBackIndividually(t *testing.T) {
	c := NewFeatureFlagsCache(stubFlagSource{values: map[string]any{
		"show_offer":        "maybe",
		"daily_free_tries":  float64(-2),
		"show_review_popup": true,
		"close_duration":    []any{1},
	}}, logger.Discard())
	c.LoadFlags(context.Background())

	assert.Equal(t, models.FeatureFlags{
		ShowOffer:       false,
		DailyFreeTries:  1,
		ShowReviewPopup: true,
		CloseDuration:   18,
	}, c.Flags())
}

func TestFlagsZeroTriesIsValid(t *testing.T) {
	c := NewFeatureFlagsCache(stubFlagSource{values: map[string]any{"daily_free_tries": float64(0)}}, logger.Discard())
	c.LoadFlags(context.Background())
	assert.Equal(t, 0, c.Flags().DailyFreeTries)
}

type hangingFlagSource struct{}

func (hangingFlagSource) FetchFlags(ctx context.Context) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFlagsLoadGivesUpAtDeadline(t *testing.T) {
	c := NewFeatureFlagsCache(hangingFlagSource{}, logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.LoadFlags(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LoadFlags did not return after its deadline")
	}
	assert.Equal(t, DefaultFeatureFlags(), c.Flags())
}
