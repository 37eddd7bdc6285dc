package archive_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/archive"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newArchive(t *testing.T) *archive.Store {
	t.Helper()
	env := testutils.SetupPostgresContainer(t)
	logger := testutils.TestLogger()

	m, err := archive.NewMigrator(env.DSN, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Up())
	// 重複執行是 no-op
	require.NoError(t, m.Up())

	return archive.NewStore(env.Pool, logger)
}

func result(roomID, gameID string, index int32, winner, reason string, at time.Time) archive.GameResult {
	return archive.GameResult{
		RoomID:      roomID,
		GameID:      gameID,
		GameIndex:   index,
		Mode:        "PVP",
		Rule:        "STANDARD",
		Winner:      winner,
		Reason:      reason,
		Steps:       9,
		BlackUserID: "alice",
		WhiteUserID: "bob",
		Board:       strings.Repeat(".", 225),
		FinishedAt:  at,
	}
}

func TestStore_RecordAndHistory(t *testing.T) {
	ctx := context.Background()
	store := newArchive(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, store.RecordResult(ctx, result("r1", "g1", 1, "X", archive.ReasonFive, base)))
	require.NoError(t, store.RecordResult(ctx, result("r1", "g2", 2, "O", archive.ReasonTimeout, base.Add(time.Minute))))
	require.NoError(t, store.RecordResult(ctx, result("r2", "g3", 1, "DRAW", archive.ReasonDraw, base)))

	// 重複寫入同一盤被忽略
	require.NoError(t, store.RecordResult(ctx, result("r1", "g1", 1, "O", archive.ReasonResign, base)))

	history, err := store.History(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "g2", history[0].GameID)
	assert.Equal(t, archive.ReasonTimeout, history[0].Reason)
	assert.Equal(t, "g1", history[1].GameID)
	assert.Equal(t, "X", history[1].Winner)
	assert.Equal(t, int32(1), history[1].GameIndex)
	assert.Len(t, history[1].Board, 225)

	limited, err := store.History(ctx, "r1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	empty, err := store.History(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMigrator_DownAndUp(t *testing.T) {
	env := testutils.SetupPostgresContainer(t)
	logger := testutils.TestLogger()

	m, err := archive.NewMigrator(env.DSN, logger)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())

	_, err = env.Pool.Exec(context.Background(), "SELECT 1 FROM game_results")
	assert.Error(t, err, "table dropped after rollback")

	require.NoError(t, m.Up())
	_, err = env.Pool.Exec(context.Background(), "SELECT 1 FROM game_results")
	assert.NoError(t, err)
}
