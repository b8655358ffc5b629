package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/GrammarBot/pkg/clock"
)

const dayKeyLayout = "2006-01-02"

// DayKey is the calendar-day key the ledger counts under, in t's location.
func DayKey(t time.Time) string {
	return t.Format(dayKeyLayout)
}

// UsageLedger counts free correction attempts per calendar day for one chat.
//
// Reads and writes of the persisted map happen under mu, and admitted but not
// yet finished attempts are held as pending slots, so two attempts racing on
// the same count cannot both pass the quota check.
type UsageLedger struct {
	store         KeyValueStore
	clock         clock.Clock
	log           *slog.Logger
	retentionDays int

	mu      sync.Mutex
	pending map[string]int
	last    map[string]int
}

// NewUsageLedger builds a ledger. retentionDays limits how many calendar days
// are kept in the persisted map; zero keeps every day ever used.
func NewUsageLedger(store KeyValueStore, clk clock.Clock, log *slog.Logger, retentionDays int) *UsageLedger {
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &UsageLedger{
		store:         store,
		clock:         clk,
		log:           log,
		retentionDays: retentionDays,
		pending:       make(map[string]int),
		last:          make(map[string]int),
	}
}

// CanAttempt reports whether a correction may proceed right now. It never
// changes ledger state.
func (l *UsageLedger) CanAttempt(ctx context.Context, premium bool, quota int) bool {
	if premium {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	today := DayKey(l.clock.Now())
	counts := l.load(ctx)
	return counts[today]+l.pending[today] < quota
}

// RecordAttempt charges one attempt to today and persists the map.
func (l *UsageLedger) RecordAttempt(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.charge(ctx, DayKey(l.clock.Now()))
}

// TodayCount returns the persisted count for today.
func (l *UsageLedger) TodayCount(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)[DayKey(l.clock.Now())]
}

// Reserve is the atomic form of CanAttempt followed by RecordAttempt. A granted
// reservation holds a slot against the quota until it is committed (attempt
// succeeded, charge it) or released (attempt failed, give it back).
// Premium reservations are free and never touch the ledger.
func (l *UsageLedger) Reserve(ctx context.Context, premium bool, quota int) (*Reservation, bool) {
	if premium {
		return &Reservation{}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	today := DayKey(l.clock.Now())
	counts := l.load(ctx)
	if counts[today]+l.pending[today] >= quota {
		return nil, false
	}
	l.pending[today]++
	return &Reservation{ledger: l, day: today}, true
}

// Reservation is a pending quota slot. Only the first Commit or Release counts.
type Reservation struct {
	ledger *UsageLedger
	day    string
	once   sync.Once
}

func (r *Reservation) Commit(ctx context.Context) {
	if r == nil || r.ledger == nil {
		return
	}
	r.once.Do(func() {
		l := r.ledger
		l.mu.Lock()
		defer l.mu.Unlock()
		l.unpend(r.day)
		l.charge(ctx, r.day)
	})
}

func (r *Reservation) Release() {
	if r == nil || r.ledger == nil {
		return
	}
	r.once.Do(func() {
		r.ledger.mu.Lock()
		r.ledger.unpend(r.day)
		r.ledger.mu.Unlock()
	})
}

func (l *UsageLedger) unpend(day string) {
	if l.pending[day] <= 1 {
		delete(l.pending, day)
		return
	}
	l.pending[day]--
}

// charge must be called with mu held.
func (l *UsageLedger) charge(ctx context.Context, day string) {
	counts := l.load(ctx)
	counts[day]++
	l.prune(counts)
	l.save(ctx, counts)
}

// load must be called with mu held. Storage failures and unreadable data fall
// back to the last map this ledger saw, which is empty on a fresh process.
func (l *UsageLedger) load(ctx context.Context) map[string]int {
	raw, ok, err := l.store.Get(ctx, keyGrammarChecks)
	if err != nil {
		l.log.Warn("usage ledger read failed", "err", err)
		return copyCounts(l.last)
	}
	if !ok || raw == "" {
		return copyCounts(l.last)
	}
	counts := make(map[string]int)
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		l.log.Warn("usage ledger unreadable, treating as empty", "err", err)
		return copyCounts(l.last)
	}
	l.last = copyCounts(counts)
	return counts
}

func (l *UsageLedger) save(ctx context.Context, counts map[string]int) {
	l.last = copyCounts(counts)
	payload, err := json.Marshal(counts)
	if err != nil {
		l.log.Error("usage ledger encode failed", "err", err)
		return
	}
	if err := l.store.Set(ctx, keyGrammarChecks, string(payload)); err != nil {
		l.log.Warn("usage ledger write failed", "err", err)
	}
}

// prune drops days outside the retention window, including keys that are not
// day keys at all.
func (l *UsageLedger) prune(counts map[string]int) {
	if l.retentionDays == 0 {
		return
	}
	now := l.clock.Now()
	today, _ := time.ParseInLocation(dayKeyLayout, DayKey(now), now.Location())
	oldest := today.AddDate(0, 0, -(l.retentionDays - 1))
	for key := range counts {
		day, err := time.ParseInLocation(dayKeyLayout, key, now.Location())
		if err != nil || day.Before(oldest) {
			delete(counts, key)
		}
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
