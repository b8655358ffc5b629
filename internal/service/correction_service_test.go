package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/pkg/clock"
	"github.com/digkill/GrammarBot/pkg/logger"
)

type correctionFixture struct {
	store     *MemoryStore
	clock     *clock.Fake
	flags     *staticFlags
	sink      *recordingSink
	corrector *fakeCorrector
	ledger    *UsageLedger
	ent       *EntitlementState
	offers    *OfferScheduler
	svc       *CorrectionService
}

func newCorrectionFixture(tries int, showOffer bool) *correctionFixture {
	f := &correctionFixture{
		store:     NewMemoryStore(),
		clock:     clock.NewFake(ledgerStart),
		sink:      &recordingSink{},
		corrector: &fakeCorrector{},
	}
	flags := DefaultFeatureFlags()
	flags.DailyFreeTries = tries
	flags.ShowOffer = showOffer
	f.flags = newStaticFlags(flags)

	log := logger.Discard()
	f.ledger = NewUsageLedger(f.store, f.clock, log, 30)
	f.ent = NewEntitlementState(1, nil, f.clock, log)
	f.offers = NewOfferScheduler(f.store, f.flags, f.sink, log)
	f.svc = NewCorrectionService(f.ledger, f.ent, f.flags, f.corrector, nil, f.sink, time.Second, log)
	return f
}

func TestFreeTierExhaustionLeadsToOffer(t *testing.T) {
	f := newCorrectionFixture(3, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.svc.AttemptCorrection(ctx, "he go to school")
		require.NoError(t, err)
		assert.Equal(t, "he go to school (corrected)", res.Corrected)
		assert.Equal(t, 2-i, res.TriesLeft)
	}
	assert.Equal(t, 3, f.ledger.TodayCount(ctx))

	_, err := f.svc.AttemptCorrection(ctx, "one more")
	require.ErrorIs(t, err, ErrGateDenied)
	assert.Equal(t, 3, f.corrector.callCount(), "a denied attempt never reaches the service")
	assert.Equal(t, 1, f.sink.count(EventCheckNoMoreTries))

	d := f.offers.DecideUpsellTarget(ctx, f.clock.Now())
	assert.Equal(t, models.ScreenSubscription, d.Screen)
	_, stamped, err := f.store.Get(ctx, keyOfferShownAt)
	require.NoError(t, err)
	assert.True(t, stamped)

	f.clock.Advance(30 * time.Second)
	d = f.offers.DecideUpsellTarget(ctx, f.clock.Now())
	assert.Equal(t, UpsellDecision{Screen: models.ScreenOffer, CountdownSeconds: 90}, d)
}

func TestFailedCorrectionDoesNotConsumeQuota(t *testing.T) {
	f := newCorrectionFixture(1, false)
	ctx := context.Background()
	f.corrector.fn = func(context.Context, string) (string, error) {
		return "", errors.New("upstream 502")
	}

	_, err := f.svc.AttemptCorrection(ctx, "text")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGateDenied)
	assert.Equal(t, 0, f.ledger.TodayCount(ctx))
	assert.Equal(t, 1, f.sink.count(EventCheckError))

	f.corrector.fn = nil
	res, err := f.svc.AttemptCorrection(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 0, res.TriesLeft)
	assert.Equal(t, 1, f.ledger.TodayCount(ctx))
}

func TestEmptyTextIsNoop(t *testing.T) {
	f := newCorrectionFixture(1, false)

	res, err := f.svc.AttemptCorrection(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, f.corrector.callCount())
	assert.Empty(t, f.sink.names())
}

func TestWhitespaceTextIsCharged(t *testing.T) {
	f := newCorrectionFixture(1, false)
	ctx := context.Background()

	res, err := f.svc.AttemptCorrection(ctx, "  \n\t")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, f.corrector.callCount())
	assert.Equal(t, 1, f.ledger.TodayCount(ctx))
}

func TestCorrectionTimeoutIsAnError(t *testing.T) {
	f := newCorrectionFixture(1, false)
	f.svc = NewCorrectionService(f.ledger, f.ent, f.flags, f.corrector, nil, f.sink, 10*time.Millisecond, logger.Discard())
	f.corrector.fn = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := f.svc.AttemptCorrection(context.Background(), "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.ledger.TodayCount(context.Background()))
}

func TestCancelledScreenAbortsCorrection(t *testing.T) {
	f := newCorrectionFixture(1, false)
	ctx, cancel := context.WithCancel(context.Background())
	f.corrector.fn = func(callCtx context.Context, _ string) (string, error) {
		cancel()
		<-callCtx.Done()
		return "", callCtx.Err()
	}

	_, err := f.svc.AttemptCorrection(ctx, "bye")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.ledger.CanAttempt(context.Background(), false, 1))
}

func TestPremiumIsUnlimited(t *testing.T) {
	f := newCorrectionFixture(0, false)
	f.ent.Apply(premiumProfile(true), ledgerStart)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := f.svc.AttemptCorrection(ctx, "text")
		require.NoError(t, err)
		assert.True(t, res.Premium)
		assert.Zero(t, res.TriesLeft)
	}
	assert.Equal(t, 5, f.corrector.callCount())
	assert.Equal(t, 5, f.sink.count(EventCheckPremium))
}

func TestSuccessfulCorrectionSchedulesReview(t *testing.T) {
	f := newCorrectionFixture(5, false)
	flags := f.flags.Flags()
	flags.ShowReviewPopup = true
	f.flags.set(flags)
	review := NewReviewGate(f.store, f.flags, f.sink, "", logger.Discard())
	review.SetDelay(0)
	f.svc = NewCorrectionService(f.ledger, f.ent, f.flags, f.corrector, review, f.sink, time.Second, logger.Discard())
	ctx := context.Background()

	var prompts []bool
	for i := 0; i < 4; i++ {
		res, err := f.svc.AttemptCorrection(ctx, "text")
		require.NoError(t, err)
		require.NotNil(t, res.ReviewPrompt)
		prompts = append(prompts, <-res.ReviewPrompt)
	}
	assert.Equal(t, []bool{false, false, true, false}, prompts)
}

func TestQuotaBoundsServiceCallsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		quota := rapid.IntRange(0, 5).Draw(t, "quota")
		outcomes := rapid.SliceOfN(rapid.Bool(), 0, 15).Draw(t, "outcomes")

		f := newCorrectionFixture(quota, false)
		ctx := context.Background()
		successes := 0
		for _, ok := range outcomes {
			fail := !ok
			f.corrector.fn = func(context.Context, string) (string, error) {
				if fail {
					return "", errors.New("boom")
				}
				return "fixed", nil
			}
			if _, err := f.svc.AttemptCorrection(ctx, "text"); err == nil {
				successes++
			}
		}

		if successes > quota {
			t.Fatalf("%d successes with quota %d", successes, quota)
		}
		if got := f.ledger.TodayCount(ctx); got != successes {
			t.Fatalf("ledger count %d, want %d", got, successes)
		}
	})
}

func TestExpiredPremiumFallsBackToQuota(t *testing.T) {
	f := newCorrectionFixture(1, false)
	until := ledgerStart.Add(time.Hour)
	source := newFakeProfileSource(false)
	source.profile = ProfileForUser(&models.User{ID: 1, PremiumUntil: &until}, ledgerStart)
	f.ent = NewEntitlementState(1, source, f.clock, logger.Discard())
	f.svc = NewCorrectionService(f.ledger, f.ent, f.flags, f.corrector, nil, f.sink, time.Second, logger.Discard())
	ctx := context.Background()

	require.NoError(t, f.ent.Refresh(ctx))
	res, err := f.svc.AttemptCorrection(ctx, "text")
	require.NoError(t, err)
	assert.True(t, res.Premium)

	f.clock.Advance(48 * time.Hour)
	var denied int
	for i := 0; i < 5; i++ {
		if _, err := f.svc.AttemptCorrection(ctx, "text"); errors.Is(err, ErrGateDenied) {
			denied++
		}
	}
	assert.Equal(t, 4, denied)
	assert.Equal(t, 2, f.corrector.callCount(), "one premium call and one free try")
}
