//go:build integration

package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"kobopay/internal/database"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMemory(t *testing.T) (*Memory, *clock.TestClock, *database.DB) {
	t.Helper()
	db := database.SetupTestDB(t)
	t.Cleanup(func() {
		database.CleanupTestDB(t, db)
		db.Close()
	})

	clk := clock.NewTestClock(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC))
	mem := NewMemory(database.NewConversationRepository(db), clk, 20, time.Hour)
	return mem, clk, db
}

func TestMemory_AppendAssignsDenseSequences(t *testing.T) {
	mem, _, _ := setupMemory(t)
	ctx := context.Background()

	first, err := mem.Append(ctx, "user-1", database.RoleUser, "hello")
	require.NoError(t, err)
	second, err := mem.Append(ctx, "user-1", database.RoleAssistant, "hi, how can I help?")
	require.NoError(t, err)
	third, err := mem.Append(ctx, "user-1", database.RoleUser, "what is my balance?")
	require.NoError(t, err)

	assert.Equal(t, 1, first.SequenceNumber)
	assert.Equal(t, 2, second.SequenceNumber)
	assert.Equal(t, 3, third.SequenceNumber)

	// ceil(len/4) token estimate
	assert.Equal(t, 2, first.Tokens)
	assert.Equal(t, 5, second.Tokens)

	count, err := mem.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMemory_RecentReturnsTailInOrder(t *testing.T) {
	mem, _, _ := setupMemory(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		_, err := mem.Append(ctx, "user-1", database.RoleUser, content)
		require.NoError(t, err)
	}

	recent, err := mem.Recent(ctx, "user-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "three", recent[0].Content)
	assert.Equal(t, "four", recent[1].Content)
	assert.Equal(t, "five", recent[2].Content)

	// n <= 0 falls back to the configured window, which covers all five.
	all, err := mem.Recent(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMemory_ConcurrentAppendAndRead(t *testing.T) {
	mem, _, _ := setupMemory(t)
	ctx := context.Background()

	// Appends mutate the cached conversation counters while readers walk the
	// same row; run with -race to verify the per-user serialisation holds.
	const writers = 4
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := mem.Append(ctx, "user-1", database.RoleUser, "ping")
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := mem.Recent(ctx, "user-1", 3)
				assert.NoError(t, err)
				_, err = mem.MessageCount(ctx, "user-1")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, err := mem.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, count)
}

func TestMemory_UsersAreIsolated(t *testing.T) {
	mem, _, _ := setupMemory(t)
	ctx := context.Background()

	_, err := mem.Append(ctx, "user-1", database.RoleUser, "mine")
	require.NoError(t, err)
	_, err = mem.Append(ctx, "user-2", database.RoleUser, "yours")
	require.NoError(t, err)

	recent, err := mem.Recent(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "mine", recent[0].Content)
}

func TestMemory_ClearResetsButKeepsConversation(t *testing.T) {
	mem, _, _ := setupMemory(t)
	ctx := context.Background()

	_, err := mem.Append(ctx, "user-1", database.RoleUser, "hello")
	require.NoError(t, err)
	require.NoError(t, mem.Clear(ctx, "user-1"))

	recent, err := mem.Recent(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	count, err := mem.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Sequence numbers restart after a clear.
	msg, err := mem.Append(ctx, "user-1", database.RoleUser, "fresh start")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.SequenceNumber)
}

func TestMemory_PruneArchivesIdleConversations(t *testing.T) {
	mem, clk, _ := setupMemory(t)
	ctx := context.Background()

	_, err := mem.Append(ctx, "idle-user", database.RoleUser, "old message")
	require.NoError(t, err)

	// 31 days later the idle conversation falls past the cutoff.
	clk.SetTime(clk.Now().Add(31 * 24 * time.Hour))
	_, err = mem.Append(ctx, "active-user", database.RoleUser, "new message")
	require.NoError(t, err)

	cutoff := clk.Now().UTC().Add(-30 * 24 * time.Hour)
	pruned, archived, err := mem.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
	assert.EqualValues(t, 1, archived)

	// The archived user gets a fresh conversation on next contact.
	msg, err := mem.Append(ctx, "idle-user", database.RoleUser, "back again")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.SequenceNumber)

	recent, err := mem.Recent(ctx, "active-user", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new message", recent[0].Content)
}

func TestMemory_PruneIsIdempotent(t *testing.T) {
	mem, clk, _ := setupMemory(t)
	ctx := context.Background()

	_, err := mem.Append(ctx, "user-1", database.RoleUser, "old")
	require.NoError(t, err)

	clk.SetTime(clk.Now().Add(31 * 24 * time.Hour))
	cutoff := clk.Now().UTC().Add(-30 * 24 * time.Hour)

	_, _, err = mem.Prune(ctx, cutoff)
	require.NoError(t, err)
	pruned, archived, err := mem.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, pruned)
	assert.Zero(t, archived)
}
