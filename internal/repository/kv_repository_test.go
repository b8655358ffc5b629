package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GrammarBot/internal/database/dbtest"
)

func TestKVRepositoryUpsert(t *testing.T) {
	repo := NewKVRepository(dbtest.Open(t))
	ctx := context.Background()
	owner := dbtest.UniqueID()

	_, ok, err := repo.Get(ctx, owner, "grammarChecks")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Set(ctx, owner, "grammarChecks", `{"2026-10-16":1}`))
	require.NoError(t, repo.Set(ctx, owner, "grammarChecks", `{"2026-10-16":2}`))

	v, ok, err := repo.Get(ctx, owner, "grammarChecks")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"2026-10-16":2}`, v)
}

func TestScopedKVIsolatesOwners(t *testing.T) {
	repo := NewKVRepository(dbtest.Open(t))
	ctx := context.Background()
	first, second := repo.Scope(dbtest.UniqueID()), repo.Scope(dbtest.UniqueID())

	require.NoError(t, first.Set(ctx, "seenReviewCount", "3"))

	_, ok, err := second.Get(ctx, "seenReviewCount")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := first.Get(ctx, "seenReviewCount")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}
