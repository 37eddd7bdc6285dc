package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/testutils"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoomRepository_MetaAndSeats 測試 meta 與座位的讀寫
func TestRoomRepository_MetaAndSeats(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Rooms.GetMeta(ctx, "r1")
	assert.True(t, apperrors.IsRoomNotFound(err))

	meta := &store.RoomMeta{
		RoomID:       "r1",
		GameID:       "g1",
		Mode:         gomoku.ModePVE,
		Rule:         gomoku.RuleRenju,
		AIPiece:      gomoku.White,
		CurrentIndex: 1,
		OwnerUserID:  "alice",
		Phase:        gomoku.PhaseWaiting,
		CreatedAt:    time.Now().UnixMilli(),
	}
	require.NoError(t, s.Rooms.SaveMeta(ctx, meta))

	got, err := s.Rooms.GetMeta(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	exists, err := s.Rooms.Exists(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, exists)

	seats, err := s.Rooms.GetSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, seats.SeatXUserID)
	assert.NotNil(t, seats.SeatBySession)

	seats.Bind("alice", gomoku.Black)
	seats.ReadyByUserID["alice"] = true
	require.NoError(t, s.Rooms.SaveSeats(ctx, "r1", seats))

	got2, err := s.Rooms.GetSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got2.Holder(gomoku.Black))
	assert.Equal(t, gomoku.Black, got2.SeatBySession["alice"])
	assert.True(t, got2.ReadyByUserID["alice"])

	// 換座位會釋放原座位
	got2.Bind("alice", gomoku.White)
	assert.Empty(t, got2.SeatXUserID)
	assert.Equal(t, "alice", got2.SeatOUserID)
	assert.False(t, got2.ReadyByUserID["alice"])
}

// TestRoomRepository_UpdateSeats 並發綁定不同座位時不會互相覆蓋
func TestRoomRepository_UpdateSeats(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	users := []string{"alice", "bob"}
	testutils.RunConcurrently(2, func(worker int) {
		side := gomoku.Black
		if worker == 1 {
			side = gomoku.White
		}
		_, err := s.Rooms.UpdateSeats(ctx, "r1", func(seats *store.SeatsBinding) error {
			seats.Bind(users[worker], side)
			return nil
		})
		assert.NoError(t, err)
	})

	seats, err := s.Rooms.GetSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", seats.Holder(gomoku.Black))
	assert.Equal(t, "bob", seats.Holder(gomoku.White))

	// fn 返回錯誤時不寫入
	_, err = s.Rooms.UpdateSeats(ctx, "r1", func(seats *store.SeatsBinding) error {
		seats.Unbind("alice")
		return apperrors.ErrSeatConflict
	})
	assert.True(t, apperrors.IsSeatConflict(err))

	seats, err = s.Rooms.GetSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", seats.Holder(gomoku.Black))
}

// TestRoomRepository_SeatKeys 座位令牌只在首次寫入時生效
func TestRoomRepository_SeatKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	ok, err := s.Rooms.PutSeatKeyIfAbsent(ctx, "r1", "k1", &store.SeatKeyBinding{Side: gomoku.Black, UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Rooms.PutSeatKeyIfAbsent(ctx, "r1", "k1", &store.SeatKeyBinding{Side: gomoku.White, UserID: "mallory"})
	require.NoError(t, err)
	assert.False(t, ok)

	binding, err := s.Rooms.GetSeatKey(ctx, "r1", "k1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, gomoku.Black, binding.Side)
	assert.Equal(t, "alice", binding.UserID)

	missing, err := s.Rooms.GetSeatKey(ctx, "r1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// TestRoomRepository_SeatLock 搶座鎖可重入，且只有持有者能釋放
func TestRoomRepository_SeatLock(t *testing.T) {
	ctx := context.Background()
	mr, client := testutils.NewMiniRedis(t)
	s := store.New(client, store.Options{SeatLockTTL: time.Minute}, testutils.TestLogger())

	ok, err := s.Rooms.AcquireSeatLock(ctx, "r1", gomoku.Black, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Rooms.AcquireSeatLock(ctx, "r1", gomoku.Black, "alice")
	require.NoError(t, err)
	assert.True(t, ok, "re-entrant for the same user")

	ok, err = s.Rooms.AcquireSeatLock(ctx, "r1", gomoku.Black, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Rooms.ReleaseSeatLock(ctx, "r1", gomoku.Black, "bob"))
	assert.True(t, mr.Exists(store.SeatLockKey("r1", gomoku.Black)), "non-holder cannot release")

	require.NoError(t, s.Rooms.ReleaseSeatLock(ctx, "r1", gomoku.Black, "alice"))
	assert.False(t, mr.Exists(store.SeatLockKey("r1", gomoku.Black)))

	// 過期後其他用戶可取得
	ok, err = s.Rooms.AcquireSeatLock(ctx, "r1", gomoku.White, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Minute)

	ok, err = s.Rooms.AcquireSeatLock(ctx, "r1", gomoku.White, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRoomRepository_Series 測試比分累計
func TestRoomRepository_Series(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	view, err := s.Rooms.GetSeries(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.SeriesView{}, view)

	_, err = s.Rooms.IncrSeries(ctx, "r1", gomoku.Black)
	require.NoError(t, err)
	_, err = s.Rooms.IncrSeries(ctx, "r1", gomoku.Black)
	require.NoError(t, err)
	_, err = s.Rooms.IncrSeries(ctx, "r1", gomoku.White)
	require.NoError(t, err)
	view, err = s.Rooms.IncrSeries(ctx, "r1", gomoku.Empty)
	require.NoError(t, err)

	assert.Equal(t, store.SeriesView{Round: 4, BlackWins: 2, WhiteWins: 1, Draws: 1}, view)

	require.NoError(t, s.Rooms.ResetSeries(ctx, "r1"))
	view, err = s.Rooms.GetSeries(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, view.Round)
}

// TestRoomRepository_Index 大廳依建立時間由新到舊
func TestRoomRepository_Index(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Rooms.AddToIndex(ctx, id, base.Add(time.Duration(i)*time.Second)))
	}

	ids, err := s.Rooms.ListRooms(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, ids)

	ids, err = s.Rooms.ListRooms(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, ids)

	require.NoError(t, s.Rooms.RemoveFromIndex(ctx, "mid"))
	ids, err = s.Rooms.ListRooms(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids)
}

// TestRoomRepository_AIIntents 測試 AI 意圖的讀寫與掃描
func TestRoomRepository_AIIntents(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, s.Rooms.SaveAIIntent(ctx, &store.AIIntent{
			RoomID:        id,
			GameID:        "g-" + id,
			Side:          gomoku.White,
			ScheduledAtMs: 1000,
		}))
	}

	intent, err := s.Rooms.GetAIIntent(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "g-r1", intent.GameID)
	assert.Equal(t, gomoku.White, intent.Side)

	all, err := s.Rooms.ScanAIIntents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Rooms.DeleteAIIntent(ctx, "r1"))
	intent, err = s.Rooms.GetAIIntent(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, intent)
}

// TestStore_DestroyRoom 刪除房間後所有投影都不存在
func TestStore_DestroyRoom(t *testing.T) {
	ctx := context.Background()
	s, client := newStore(t)

	require.NoError(t, s.Rooms.SaveMeta(ctx, &store.RoomMeta{RoomID: "r1", GameID: "g1"}))
	require.NoError(t, s.Rooms.SaveSeats(ctx, "r1", store.NewSeatsBinding()))
	_, err := s.Rooms.PutSeatKeyIfAbsent(ctx, "r1", "k1", &store.SeatKeyBinding{Side: gomoku.Black})
	require.NoError(t, err)
	_, err = s.Rooms.IncrSeries(ctx, "r1", gomoku.Black)
	require.NoError(t, err)
	require.NoError(t, s.Rooms.AddToIndex(ctx, "r1", time.Now()))
	require.NoError(t, s.Rooms.SaveAIIntent(ctx, &store.AIIntent{RoomID: "r1", GameID: "g1"}))
	require.NoError(t, s.Turns.Save(ctx, &store.TurnAnchor{RoomID: "r1", GameID: "g1", Side: gomoku.Black}))
	seedGame(t, s, "r1", "g1")

	// 其他房間不受影響
	require.NoError(t, s.Rooms.SaveMeta(ctx, &store.RoomMeta{RoomID: "r2", GameID: "g1"}))

	require.NoError(t, s.DestroyRoom(ctx, "r1"))

	keys, err := client.Keys(ctx, store.RoomKey("r1")+"*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)

	ids, err := s.Rooms.ListRooms(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	exists, err := s.Rooms.Exists(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, exists)
}

// TestOngoingTracker 只清除仍指向該房間的記錄
func TestOngoingTracker(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.Ongoing.Set(ctx, "alice", "r1"))
	roomID, err := s.Ongoing.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "r1", roomID)

	require.NoError(t, s.Ongoing.Clear(ctx, "alice", "r2"))
	roomID, err = s.Ongoing.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "r1", roomID)

	require.NoError(t, s.Ongoing.Clear(ctx, "alice", "r1"))
	roomID, err = s.Ongoing.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, roomID)
}
