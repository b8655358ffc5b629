package service

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	// reviewTriggerCount is the seenReviewCount value at which the prompt is
	// shown, i.e. after the third successful correction.
	reviewTriggerCount = 2
	DefaultReviewDelay = 3 * time.Second
)

// ReviewGate decides whether to ask for a store review after a successful
// correction. The prompt fires once per installation: the counter is compared
// for equality and bumped on every evaluation.
type ReviewGate struct {
	store    KeyValueStore
	flags    FlagReader
	events   EventSink
	log      *slog.Logger
	storeURL string
	delay    time.Duration

	mu sync.Mutex
}

func NewReviewGate(store KeyValueStore, flags FlagReader, events EventSink, storeURL string, log *slog.Logger) *ReviewGate {
	if events == nil {
		events = NopSink{}
	}
	return &ReviewGate{
		store:    store,
		flags:    flags,
		events:   events,
		log:      log,
		storeURL: storeURL,
		delay:    DefaultReviewDelay,
	}
}

// SetDelay changes how long Schedule waits before evaluating.
func (g *ReviewGate) SetDelay(d time.Duration) {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
}

// MaybePromptReview increments seenReviewCount and reports whether the prompt
// should be presented now.
func (g *ReviewGate) MaybePromptReview(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := g.seenCount(ctx)
	show := g.flags.Flags().ShowReviewPopup && count == reviewTriggerCount
	if err := g.store.Set(ctx, keySeenReviewCount, strconv.Itoa(count+1)); err != nil {
		g.log.Warn("review counter write failed", "err", err)
	}
	if show {
		g.events.LogEvent(ctx, EventReviewShow)
	}
	return show
}

// Schedule evaluates the gate after the configured delay. screenCtx is the
// lifetime of the screen that would host the prompt. The counter is updated
// even when the screen is gone by then, but the channel only yields true if
// the prompt should be shown and screenCtx is still live. The channel receives
// exactly one value.
func (g *ReviewGate) Schedule(screenCtx context.Context) <-chan bool {
	g.mu.Lock()
	delay := g.delay
	g.mu.Unlock()

	out := make(chan bool, 1)
	go func() {
		defer close(out)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-screenCtx.Done():
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(screenCtx), 5*time.Second)
		defer cancel()
		show := g.MaybePromptReview(ctx)
		out <- show && screenCtx.Err() == nil
	}()
	return out
}

// Respond records the user's answer to the prompt. For a positive answer
// without a native review mechanism it returns the store listing URL to open.
func (g *ReviewGate) Respond(ctx context.Context, positive, nativeAvailable bool) string {
	switch {
	case !positive:
		g.events.LogEvent(ctx, EventReviewNotReally)
		return ""
	case nativeAvailable:
		g.events.LogEvent(ctx, EventReviewInAppShown)
		return ""
	default:
		g.events.LogEvent(ctx, EventReviewAppStore)
		return g.storeURL
	}
}

func (g *ReviewGate) seenCount(ctx context.Context) int {
	raw, ok, err := g.store.Get(ctx, keySeenReviewCount)
	if err != nil {
		g.log.Warn("review counter read failed", "err", err)
		return 0
	}
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
