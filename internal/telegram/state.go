package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/digkill/GrammarBot/internal/models"
)

// ChatState is what a chat currently shows. Home is the default screen.
type ChatState struct {
	Screen        models.Screen
	ShownAt       time.Time
	OfferDeadline time.Time
	Busy          bool
}

type chatEntry struct {
	ChatState
	// homeCtx lives while the chat stays on the Home screen. Corrections and
	// their review prompts hang off it.
	homeCtx    context.Context
	homeCancel context.CancelFunc
	callCancel context.CancelFunc
}

type StateManager struct {
	mu    sync.Mutex
	chats map[int64]*chatEntry
}

func NewStateManager() *StateManager {
	return &StateManager{
		chats: make(map[int64]*chatEntry),
	}
}

func (m *StateManager) entry(chatID int64) *chatEntry {
	e, ok := m.chats[chatID]
	if !ok {
		e = &chatEntry{ChatState: ChatState{Screen: models.ScreenHome}}
		m.chats[chatID] = e
	}
	return e
}

func (m *StateManager) Get(chatID int64) ChatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry(chatID).ChatState
}

// ShowScreen records that screen was presented at now. Leaving Home ends the
// Home screen context, which suppresses pending review prompts.
func (m *StateManager) ShowScreen(chatID int64, screen models.Screen, now, offerDeadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(chatID)
	if screen != models.ScreenHome && e.homeCancel != nil {
		e.homeCancel()
		e.homeCtx, e.homeCancel = nil, nil
	}
	e.Screen = screen
	e.ShownAt = now
	e.OfferDeadline = offerDeadline
}

// BeginCorrection marks the chat busy and returns the context of the new
// call. It refuses while another call is in flight. The caller must call
// done once it no longer needs the context.
func (m *StateManager) BeginCorrection(parent context.Context, chatID int64) (ctx context.Context, done func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(chatID)
	if e.Busy {
		return nil, nil, false
	}
	if e.homeCtx == nil || e.homeCtx.Err() != nil {
		e.homeCtx, e.homeCancel = context.WithCancel(parent)
	}
	e.Screen = models.ScreenHome
	e.Busy = true

	callCtx, cancel := context.WithCancel(e.homeCtx)
	e.callCancel = cancel
	return callCtx, cancel, true
}

// EndCorrection clears the busy mark. The call context stays valid until its
// done func runs.
func (m *StateManager) EndCorrection(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(chatID)
	e.Busy = false
	e.callCancel = nil
}

// CancelCorrection aborts the call in flight, if any.
func (m *StateManager) CancelCorrection(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(chatID)
	if e.callCancel == nil {
		return false
	}
	e.callCancel()
	e.callCancel = nil
	return true
}

// CloseWait is how long the chat must still wait before the Subscription
// screen may be closed. Zero means it can be closed now.
func (m *StateManager) CloseWait(chatID int64, closeDuration int, now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(chatID)
	if e.Screen != models.ScreenSubscription {
		return 0
	}
	wait := e.ShownAt.Add(time.Duration(closeDuration) * time.Second).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
