package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrGateDenied means the daily free quota is used up. It is not a failure:
// callers route the user to the upgrade flow.
var ErrGateDenied = errors.New("daily free quota exhausted")

const DefaultCorrectionTimeout = 30 * time.Second

// Corrector is the external correction service.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

type CorrectionResult struct {
	Original  string
	Corrected string
	Premium   bool
	// TriesLeft is the remaining free quota for today. Unset for premium.
	TriesLeft int
	// ReviewPrompt yields once, true if the review prompt should be shown.
	ReviewPrompt <-chan bool
}

// CorrectionService runs one correction attempt through the free-tier gate.
type CorrectionService struct {
	ledger      *UsageLedger
	entitlement *EntitlementState
	flags       FlagReader
	corrector   Corrector
	review      *ReviewGate
	events      EventSink
	log         *slog.Logger
	timeout     time.Duration
}

func NewCorrectionService(
	ledger *UsageLedger,
	entitlement *EntitlementState,
	flags FlagReader,
	corrector Corrector,
	review *ReviewGate,
	events EventSink,
	timeout time.Duration,
	log *slog.Logger,
) *CorrectionService {
	if events == nil {
		events = NopSink{}
	}
	if timeout <= 0 {
		timeout = DefaultCorrectionTimeout
	}
	return &CorrectionService{
		ledger:      ledger,
		entitlement: entitlement,
		flags:       flags,
		corrector:   corrector,
		review:      review,
		events:      events,
		log:         log,
		timeout:     timeout,
	}
}

// AttemptCorrection corrects text if the chat is premium or still has free
// tries today. Empty text is a no-op and returns nil, nil. ctx bounds the
// screen the result is shown on: cancelling it aborts the call in flight and
// suppresses the review prompt.
//
// Only a successful correction is charged against the quota. There are no
// retries; a failure is returned as is and the user may try again.
func (s *CorrectionService) AttemptCorrection(ctx context.Context, text string) (*CorrectionResult, error) {
	if text == "" {
		return nil, nil
	}

	premium := s.entitlement.IsPremiumUser()
	quota := s.flags.Flags().DailyFreeTries
	reservation, ok := s.ledger.Reserve(ctx, premium, quota)
	if !ok {
		s.events.LogEvent(ctx, EventCheckNoMoreTries)
		return nil, ErrGateDenied
	}
	if premium {
		s.events.LogEvent(ctx, EventCheckPremium)
	} else {
		s.events.LogEvent(ctx, EventCheckNoPremium)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	corrected, err := s.corrector.Correct(callCtx, text)
	if err != nil {
		reservation.Release()
		s.events.LogEvent(ctx, EventCheckError)
		s.log.Warn("correction failed", "premium", premium, "err", err)
		return nil, fmt.Errorf("correct text: %w", err)
	}

	// The charge must land even if the screen went away meanwhile.
	reservation.Commit(context.WithoutCancel(ctx))
	s.events.LogEvent(ctx, EventCheckSuccess)

	result := &CorrectionResult{
		Original:  text,
		Corrected: corrected,
		Premium:   premium,
	}
	if !premium {
		result.TriesLeft = max(0, quota-s.ledger.TodayCount(ctx))
	}
	if s.review != nil {
		result.ReviewPrompt = s.review.Schedule(ctx)
	}
	return result, nil
}
