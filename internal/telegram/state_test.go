package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GrammarBot/internal/models"
)

var stateNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func TestNewChatStartsOnHome(t *testing.T) {
	m := NewStateManager()
	assert.Equal(t, ChatState{Screen: models.ScreenHome}, m.Get(1))
}

func TestBeginCorrectionRefusesWhileBusy(t *testing.T) {
	m := NewStateManager()

	ctx, done, ok := m.BeginCorrection(context.Background(), 1)
	require.True(t, ok)
	defer done()
	assert.True(t, m.Get(1).Busy)

	_, _, ok = m.BeginCorrection(context.Background(), 1)
	assert.False(t, ok)

	_, otherDone, ok := m.BeginCorrection(context.Background(), 2)
	require.True(t, ok, "chats are independent")
	otherDone()

	m.EndCorrection(1)
	assert.False(t, m.Get(1).Busy)
	assert.NoError(t, ctx.Err(), "the call context outlives the busy mark")
}

func TestCancelCorrection(t *testing.T) {
	m := NewStateManager()
	assert.False(t, m.CancelCorrection(1))

	ctx, done, ok := m.BeginCorrection(context.Background(), 1)
	require.True(t, ok)
	defer done()

	assert.True(t, m.CancelCorrection(1))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, m.CancelCorrection(1))
}

func TestLeavingHomeCancelsPendingWork(t *testing.T) {
	m := NewStateManager()
	ctx, done, ok := m.BeginCorrection(context.Background(), 1)
	require.True(t, ok)
	defer done()
	m.EndCorrection(1)

	m.ShowScreen(1, models.ScreenHome, stateNow, time.Time{})
	assert.NoError(t, ctx.Err(), "staying on Home keeps the screen alive")

	deadline := stateNow.Add(90 * time.Second)
	m.ShowScreen(1, models.ScreenOffer, stateNow, deadline)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, ChatState{Screen: models.ScreenOffer, ShownAt: stateNow, OfferDeadline: deadline}, m.Get(1))

	next, nextDone, ok := m.BeginCorrection(context.Background(), 1)
	require.True(t, ok)
	defer nextDone()
	assert.NoError(t, next.Err(), "returning to Home starts a fresh screen")
	assert.Equal(t, models.ScreenHome, m.Get(1).Screen)
}

func TestCloseWait(t *testing.T) {
	m := NewStateManager()
	assert.Zero(t, m.CloseWait(1, 18, stateNow), "nothing to wait for off the paywall")

	m.ShowScreen(1, models.ScreenSubscription, stateNow, time.Time{})
	assert.Equal(t, 18*time.Second, m.CloseWait(1, 18, stateNow))
	assert.Equal(t, 8*time.Second, m.CloseWait(1, 18, stateNow.Add(10*time.Second)))
	assert.Zero(t, m.CloseWait(1, 18, stateNow.Add(18*time.Second)))
	assert.Zero(t, m.CloseWait(1, 0, stateNow))

	m.ShowScreen(1, models.ScreenOffer, stateNow, stateNow.Add(time.Minute))
	assert.Zero(t, m.CloseWait(1, 18, stateNow))
}
