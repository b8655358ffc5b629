package service

import (
	"context"
	"errors"
	"sync"

	"github.com/digkill/GrammarBot/internal/models"
)

type staticFlags struct {
	mu    sync.Mutex
	flags models.FeatureFlags
}

func newStaticFlags(f models.FeatureFlags) *staticFlags {
	return &staticFlags{flags: f}
}

func (s *staticFlags) Flags() models.FeatureFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *staticFlags) set(f models.FeatureFlags) {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) LogEvent(_ context.Context, name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) count(name string) int {
	n := 0
	for _, e := range r.names() {
		if e == name {
			n++
		}
	}
	return n
}

var errStoreDown = errors.New("store down")

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) { return "", false, errStoreDown }
func (brokenStore) Set(context.Context, string, string) error { return errStoreDown }

type fakeCorrector struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, text string) (string, error)
}

func (f *fakeCorrector) Correct(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return text + " (corrected)", nil
	}
	return fn(ctx, text)
}

func (f *fakeCorrector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProfileSource struct {
	mu          sync.Mutex
	profile     models.Profile
	err         error
	subscribers map[int]func(models.Profile)
	next        int
	// beforeReturn runs inside GetProfile after the result is decided.
	beforeReturn func()
}

func newFakeProfileSource(premium bool) *fakeProfileSource {
	return &fakeProfileSource{
		profile:     premiumProfile(premium),
		subscribers: make(map[int]func(models.Profile)),
	}
}

func premiumProfile(active bool) models.Profile {
	return models.Profile{
		AccessLevels: map[string]models.AccessLevel{
			models.PremiumAccessLevel: {IsActive: active},
		},
	}
}

func (f *fakeProfileSource) GetProfile(context.Context, int64) (models.Profile, error) {
	f.mu.Lock()
	profile, err, hook := f.profile, f.err, f.beforeReturn
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return profile, err
}

func (f *fakeProfileSource) SubscribeProfile(_ int64, fn func(models.Profile)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.subscribers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
}

func (f *fakeProfileSource) push(p models.Profile) {
	f.mu.Lock()
	fns := make([]func(models.Profile), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (f *fakeProfileSource) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}
