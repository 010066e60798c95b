package orgdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "org.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "org.db")
	ctx := context.Background()

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestDaystateSequence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	orgID, err := db.CreateOrg(ctx, "lot-a")
	require.NoError(t, err)

	a, err := db.AddDaystate(ctx, orgID, "A", "today is an A day")
	require.NoError(t, err)
	b, err := db.AddDaystate(ctx, orgID, "B", "today is a B day")
	require.NoError(t, err)

	// No rotation until one is set.
	seq, err := db.DaystateSequence(ctx, orgID)
	require.NoError(t, err)
	assert.Empty(t, seq)

	require.NoError(t, db.SetDaystateSequence(ctx, orgID, []int64{b, a}))
	seq, err = db.DaystateSequence(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b, a}, seq)

	// Replacing the order drops states left out of the new one.
	require.NoError(t, db.SetDaystateSequence(ctx, orgID, []int64{a}))
	seq, err = db.DaystateSequence(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, seq)

	// Foreign state ids are rejected wholesale.
	err = db.SetDaystateSequence(ctx, orgID, []int64{a, 999})
	require.Error(t, err)
	seq, err = db.DaystateSequence(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, seq)
}

func TestDaystateExists(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	orgID, err := db.CreateOrg(ctx, "lot-a")
	require.NoError(t, err)
	otherOrg, err := db.CreateOrg(ctx, "lot-b")
	require.NoError(t, err)

	a, err := db.AddDaystate(ctx, orgID, "A", "")
	require.NoError(t, err)

	exists, err := db.DaystateExists(ctx, orgID, a)
	require.NoError(t, err)
	assert.True(t, exists)

	// State ids are org-scoped.
	exists, err = db.DaystateExists(ctx, otherOrg, a)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIsModerator(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	orgID, err := db.CreateOrg(ctx, "lot-a")
	require.NoError(t, err)
	userID, err := db.AddUser(ctx, "mod@example.com", "Mod")
	require.NoError(t, err)

	mod, err := db.IsModerator(ctx, orgID, userID)
	require.NoError(t, err)
	assert.False(t, mod, "non-member is not a moderator")

	require.NoError(t, db.JoinOrg(ctx, orgID, userID, false))
	mod, err = db.IsModerator(ctx, orgID, userID)
	require.NoError(t, err)
	assert.False(t, mod)

	// Re-joining promotes in place.
	require.NoError(t, db.JoinOrg(ctx, orgID, userID, true))
	mod, err = db.IsModerator(ctx, orgID, userID)
	require.NoError(t, err)
	assert.True(t, mod)
}
