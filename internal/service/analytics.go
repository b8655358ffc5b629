package service

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/pkg/clock"
)

// EventSink receives fire-and-forget analytics events.
type EventSink interface {
	LogEvent(ctx context.Context, name string)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) LogEvent(context.Context, string) {}

var eventSeparators = regexp.MustCompile(`[-\s.]`)

// NormalizeEventName replaces dashes, whitespace and dots with underscores.
func NormalizeEventName(name string) string {
	return eventSeparators.ReplaceAllString(name, "_")
}

// ProductShortName derives the suffix used on purchase events: split the
// product id on dots and underscores, drop the first segment, and join the
// first letters of what remains. Empty segments after the first are skipped.
//
//	grammar.annual.premium.with_trial -> apwt
func ProductShortName(productID string) string {
	parts := strings.Split(strings.ReplaceAll(productID, "_", "."), ".")
	var b strings.Builder
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		r, _ := utf8.DecodeRuneInString(part)
		b.WriteRune(r)
	}
	return b.String()
}

// LogProductEvent logs name suffixed with the short code of productID.
func LogProductEvent(ctx context.Context, sink EventSink, name, productID string) {
	sink.LogEvent(ctx, NormalizeEventName(name)+"_"+ProductShortName(productID))
}

type EventWriter interface {
	Log(ctx context.Context, event models.AnalyticsEvent) error
}

// AnalyticsService persists events in the background; a failed write is
// logged and forgotten.
type AnalyticsService struct {
	events EventWriter
	log    *slog.Logger
	clock  clock.Clock
	wg     sync.WaitGroup
}

func NewAnalyticsService(events EventWriter, log *slog.Logger, clk clock.Clock) *AnalyticsService {
	return &AnalyticsService{events: events, log: log, clock: clk}
}

// ForUser returns a sink that attributes events to one chat.
func (s *AnalyticsService) ForUser(userID int64) EventSink {
	return &userSink{svc: s, userID: userID}
}

// Wait blocks until queued writes are done. Used on shutdown.
func (s *AnalyticsService) Wait() {
	s.wg.Wait()
}

type userSink struct {
	svc    *AnalyticsService
	userID int64
}

func (u *userSink) LogEvent(_ context.Context, name string) {
	s := u.svc
	event := models.AnalyticsEvent{
		ID:        uuid.NewString(),
		UserID:    u.userID,
		Name:      NormalizeEventName(name),
		CreatedAt: s.clock.Now().UTC(),
	}
	s.log.Debug("analytics event", "user_id", u.userID, "event", event.Name)
	if s.events == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.events.Log(ctx, event); err != nil {
			s.log.Warn("analytics event dropped", "event", event.Name, "err", err)
		}
	}()
}
