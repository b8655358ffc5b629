package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GrammarBot/pkg/logger"
)

const testReviewURL = "https://example.com/review"

func reviewFlags(show bool) *staticFlags {
	f := DefaultFeatureFlags()
	f.ShowReviewPopup = show
	return newStaticFlags(f)
}

func newTestReviewGate(store KeyValueStore, show bool) (*ReviewGate, *recordingSink) {
	sink := &recordingSink{}
	g := NewReviewGate(store, reviewFlags(show), sink, testReviewURL, logger.Discard())
	g.SetDelay(0)
	return g, sink
}

func seenReviewCount(t *testing.T, store KeyValueStore) string {
	t.Helper()
	v, _, err := store.Get(context.Background(), keySeenReviewCount)
	require.NoError(t, err)
	return v
}

func TestReviewPromptFiresOnceOnThirdSuccess(t *testing.T) {
	store := NewMemoryStore()
	g, sink := newTestReviewGate(store, true)
	ctx := context.Background()

	got := []bool{
		g.MaybePromptReview(ctx),
		g.MaybePromptReview(ctx),
		g.MaybePromptReview(ctx),
		g.MaybePromptReview(ctx),
		g.MaybePromptReview(ctx),
	}

	assert.Equal(t, []bool{false, false, true, false, false}, got)
	assert.Equal(t, "5", seenReviewCount(t, store))
	assert.Equal(t, 1, sink.count(EventReviewShow))
}

func TestReviewCounterAdvancesWithFlagOff(t *testing.T) {
	store := NewMemoryStore()
	g, _ := newTestReviewGate(store, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.False(t, g.MaybePromptReview(ctx))
	}
	assert.Equal(t, "3", seenReviewCount(t, store))
}

func TestReviewGateBrokenStore(t *testing.T) {
	g, _ := newTestReviewGate(brokenStore{}, true)
	assert.False(t, g.MaybePromptReview(context.Background()))
}

func TestScheduleDeliversDecision(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), keySeenReviewCount, "2"))
	g, _ := newTestReviewGate(store, true)

	select {
	case show := <-g.Schedule(context.Background()):
		assert.True(t, show)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not fire")
	}
	assert.Equal(t, "3", seenReviewCount(t, store))
}

func TestScheduleSuppressesPromptWhenScreenIsGone(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), keySeenReviewCount, "2"))
	g, _ := newTestReviewGate(store, true)
	g.SetDelay(time.Hour)

	screen, leave := context.WithCancel(context.Background())
	ch := g.Schedule(screen)
	leave()

	select {
	case show := <-ch:
		assert.False(t, show)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not finish after the screen went away")
	}
	assert.Equal(t, "3", seenReviewCount(t, store), "the counter still advances")
}

func TestReviewRespond(t *testing.T) {
	g, sink := newTestReviewGate(NewMemoryStore(), true)
	ctx := context.Background()

	assert.Empty(t, g.Respond(ctx, false, true))
	assert.Empty(t, g.Respond(ctx, true, true))
	assert.Equal(t, testReviewURL, g.Respond(ctx, true, false))

	assert.Equal(t, []string{EventReviewNotReally, EventReviewInAppShown, EventReviewAppStore}, sink.names())
}
