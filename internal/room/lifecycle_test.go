package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/countdown"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/room"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/testutils"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ResolveAndBindSide(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())

	t.Run("pvp honours preference and rejects a third player", func(t *testing.T) {
		roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVP, gomoku.Empty, gomoku.RuleStandard, "alice")
		require.NoError(t, err)

		// X 已被房主佔用，偏好 X 也只能拿到 O
		side, err := n.svc.ResolveAndBindSide(ctx, roomID, "bob", gomoku.Black)
		require.NoError(t, err)
		assert.Equal(t, gomoku.White, side)

		side, err = n.svc.ResolveAndBindSide(ctx, roomID, "alice", gomoku.White)
		require.NoError(t, err)
		assert.Equal(t, gomoku.Black, side, "existing seat is returned as is")

		_, err = n.svc.ResolveAndBindSide(ctx, roomID, "carol", gomoku.Empty)
		assert.ErrorIs(t, err, apperrors.ErrRoomFull)
		assert.True(t, apperrors.IsSeatConflict(err))

		assert.Equal(t, 1, n.events.Count(broadcast.EventSeat))
	})

	t.Run("pvp explicit preference for a free seat", func(t *testing.T) {
		roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVP, gomoku.Empty, gomoku.RuleStandard, "alice")
		require.NoError(t, err)

		// 房主離座後 X 空出
		_, err = n.store.Rooms.UpdateSeats(ctx, roomID, func(b *store.SeatsBinding) error {
			b.Unbind("alice")
			return nil
		})
		require.NoError(t, err)

		side, err := n.svc.ResolveAndBindSide(ctx, roomID, "bob", gomoku.White)
		require.NoError(t, err)
		assert.Equal(t, gomoku.White, side)
		side, err = n.svc.ResolveAndBindSide(ctx, roomID, "carol", gomoku.White)
		require.NoError(t, err)
		assert.Equal(t, gomoku.Black, side)
	})

	t.Run("pve human seat only", func(t *testing.T) {
		roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVE, gomoku.Black, gomoku.RuleStandard, "alice")
		require.NoError(t, err)

		side, err := n.svc.SeatOf(ctx, roomID, "alice")
		require.NoError(t, err)
		assert.Equal(t, gomoku.White, side, "owner takes the non-AI seat")

		_, err = n.svc.ResolveAndBindSide(ctx, roomID, "bob", gomoku.Black)
		assert.True(t, apperrors.IsSeatConflict(err))
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := n.svc.ResolveAndBindSide(ctx, "r1", "", gomoku.Empty)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}

// TestService_ConcurrentSeatGrab 多人同時搶兩個座位，每個座位只歸一人
func TestService_ConcurrentSeatGrab(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())
	roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVP, gomoku.Empty, gomoku.RuleStandard, "owner")
	require.NoError(t, err)
	_, err = n.store.Rooms.UpdateSeats(ctx, roomID, func(b *store.SeatsBinding) error {
		b.Unbind("owner")
		return nil
	})
	require.NoError(t, err)

	users := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	testutils.RunConcurrently(len(users), func(worker int) {
		_, _ = n.svc.ResolveAndBindSide(ctx, roomID, users[worker], gomoku.Empty)
	})

	seats, err := n.store.Rooms.GetSeats(ctx, roomID)
	require.NoError(t, err)
	assert.NotEmpty(t, seats.SeatXUserID)
	assert.NotEmpty(t, seats.SeatOUserID)
	assert.NotEqual(t, seats.SeatXUserID, seats.SeatOUserID)
	assert.Len(t, seats.SeatBySession, 2)
}

func TestService_SeatKeys(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())
	roomID := newPVPRoom(t, n, gomoku.RuleStandard)

	key, err := n.svc.IssueSeatKey(ctx, roomID, gomoku.White, "bob", "")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	again, err := n.svc.IssueSeatKey(ctx, roomID, gomoku.White, "bob", key)
	require.NoError(t, err)
	assert.Empty(t, again, "a valid existing key is kept")

	_, err = n.svc.IssueSeatKey(ctx, roomID, gomoku.Black, "bob", "")
	assert.True(t, apperrors.IsSeatConflict(err))

	side, err := n.svc.BindBySeatKey(ctx, roomID, "unknown", "bob")
	require.NoError(t, err)
	assert.Equal(t, gomoku.Empty, side)

	side, err = n.svc.BindBySeatKey(ctx, roomID, key, "")
	require.NoError(t, err)
	assert.Equal(t, gomoku.White, side, "empty user only resolves")

	// 持令牌的新身份接手座位
	side, err = n.svc.BindBySeatKey(ctx, roomID, key, "bob-phone")
	require.NoError(t, err)
	assert.Equal(t, gomoku.White, side)

	side, err = n.svc.SeatOf(ctx, roomID, "bob-phone")
	require.NoError(t, err)
	assert.Equal(t, gomoku.White, side)
	_, err = n.svc.SeatOf(ctx, roomID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrNotSeated)

	play(t, n, roomID, [3]int{7, 7, bk})
	_, err = n.svc.Place(ctx, roomID, 7, 8, gomoku.White)
	assert.NoError(t, err)
}

func TestService_ReadyAndStart(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.opts.RequireStart = true
	_, n := newTestNode(t, cfg)
	roomID := newPVPRoom(t, n, gomoku.RuleStandard)

	assert.False(t, n.clock.Active(roomID), "waiting rooms are not timed")

	_, err := n.svc.Place(ctx, roomID, 7, 7, gomoku.Black)
	assert.ErrorIs(t, err, apperrors.ErrGameNotStarted)

	_, err = n.svc.StartGame(ctx, roomID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrNotOwner)

	_, err = n.svc.StartGame(ctx, roomID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrPlayersNotReady)

	ready, err := n.svc.ToggleReady(ctx, roomID, "alice")
	require.NoError(t, err)
	assert.True(t, ready)
	_, err = n.svc.StartGame(ctx, roomID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrPlayersNotReady, "bob is not ready yet")

	_, err = n.svc.ToggleReady(ctx, roomID, "carol")
	assert.ErrorIs(t, err, apperrors.ErrNotSeated)

	_, err = n.svc.ToggleReady(ctx, roomID, "bob")
	require.NoError(t, err)
	status, err := n.svc.ReadyStatus(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, status)

	st, err := n.svc.StartGame(ctx, roomID, "alice")
	require.NoError(t, err)
	assert.Zero(t, st.Step)
	assert.True(t, n.clock.Active(roomID))

	snap, err := n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, gomoku.PhasePlaying, snap.Phase)
	assert.NotZero(t, snap.DeadlineEpochMs)

	_, err = n.svc.ToggleReady(ctx, roomID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrGameInProgress)
	_, err = n.svc.StartGame(ctx, roomID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrGameInProgress)

	play(t, n, roomID, [3]int{7, 7, bk})
	_, err = n.svc.Resign(ctx, roomID, gomoku.White)
	require.NoError(t, err)

	// 終局回到 WAITING 並清除準備狀態
	snap, err = n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, gomoku.PhaseWaiting, snap.Phase)
	assert.Equal(t, map[string]bool{"alice": false, "bob": false}, snap.ReadyStatus)
	assert.False(t, n.clock.Active(roomID))

	// 再次開局時先開下一盤
	_, err = n.svc.ToggleReady(ctx, roomID, "alice")
	require.NoError(t, err)
	_, err = n.svc.ToggleReady(ctx, roomID, "bob")
	require.NoError(t, err)
	_, err = n.svc.StartGame(ctx, roomID, "alice")
	require.NoError(t, err)
	snap, err = n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Index)
	assert.False(t, snap.Over)
	assert.Equal(t, gomoku.PhasePlaying, snap.Phase)
}

func TestService_KickAndLeave(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())
	roomID := newPVPRoom(t, n, gomoku.RuleStandard)
	play(t, n, roomID, blackWinsMoves...)

	tests := []struct {
		name   string
		owner  string
		target string
		want   *apperrors.AppError
	}{
		{"not owner", "bob", "alice", apperrors.ErrNotOwner},
		{"self", "alice", "alice", apperrors.ErrInvalidInput},
		{"not seated", "alice", "carol", apperrors.ErrNotSeated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.svc.KickPlayer(ctx, roomID, tt.owner, tt.target)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	before, err := n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)

	require.NoError(t, n.svc.KickPlayer(ctx, roomID, "alice", "bob"))
	snap, err := n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, snap.SeatOUserID)
	assert.Equal(t, store.SeriesView{}, snap.Series, "series is reset")
	assert.Equal(t, 1, snap.Index)
	assert.NotEqual(t, before.GameID, snap.GameID)
	assert.Zero(t, snap.Step)

	// bob 回來後房主離開，房主轉給 bob
	_, err = n.svc.ResolveAndBindSide(ctx, roomID, "bob", gomoku.Empty)
	require.NoError(t, err)
	require.NoError(t, n.svc.LeaveRoom(ctx, roomID, "alice"))
	snap, err = n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "bob", snap.OwnerUserID)
	assert.Empty(t, snap.SeatXUserID)

	ongoing, err := n.svc.OngoingRoom(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ongoing)

	// 最後一人離開，房間銷毀
	require.NoError(t, n.svc.LeaveRoom(ctx, roomID, "bob"))
	_, err = n.svc.Snapshot(ctx, roomID)
	assert.True(t, apperrors.IsRoomNotFound(err))
	assert.Equal(t, 1, n.events.Count(broadcast.EventRoomClosed))
	assert.False(t, n.clock.Active(roomID))

	ongoing, err = n.svc.OngoingRoom(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ongoing)
}

func TestService_LeavePVEDestroysRoom(t *testing.T) {
	ctx := context.Background()
	mr, n := newTestNode(t, defaultConfig())
	roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVE, gomoku.White, gomoku.RuleStandard, "alice")
	require.NoError(t, err)

	err = n.svc.KickPlayer(ctx, roomID, "alice", "bob")
	assert.True(t, apperrors.HTTPStatus(err) == 400, "kick is PVP only")

	require.NoError(t, n.svc.LeaveRoom(ctx, roomID, "alice"))
	for _, key := range mr.Keys() {
		assert.NotContains(t, key, roomID, "room projections must be deleted")
	}
}

// TestService_TurnTimeout 輪到的一方超時判負
func TestService_TurnTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.clockOpts.TurnDuration = 600 * time.Millisecond
	_, n := newTestNode(t, cfg)
	roomID := newPVPRoom(t, n, gomoku.RuleStandard)

	// 截止前先收到倒數廣播
	testutils.WaitForCondition(t, func() bool {
		return n.events.Count(broadcast.EventTick) >= 1
	}, time.Second, "tick broadcast")
	var tick broadcast.TickPayload
	require.NoError(t, n.events.ByType(broadcast.EventTick)[0].Decode(&tick))
	assert.Equal(t, "X", tick.Side)

	testutils.WaitForCondition(t, func() bool {
		return n.events.Count(broadcast.EventTimeout) == 1
	}, 3*time.Second, "timeout fired")

	var timeout broadcast.TimeoutPayload
	require.NoError(t, n.events.ByType(broadcast.EventTimeout)[0].Decode(&timeout))
	assert.Equal(t, "X", timeout.Side)

	st, err := n.svc.GetState(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, st.Over)
	assert.Equal(t, gomoku.White, st.Winner)
	assert.Equal(t, int64(1), st.Step)

	assert.GreaterOrEqual(t, n.events.Count(broadcast.EventSnapshot), 1)
	testutils.WaitForCondition(t, func() bool { return !n.clock.Active(roomID) }, time.Second, "clock stopped")

	series, err := n.svc.GetSeries(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, series.WhiteWins)

	results := n.archive.all()
	require.Len(t, results, 1)
	assert.Equal(t, "TIMEOUT", results[0].Reason)

	// 計時停止後不會再次觸發
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, n.events.Count(broadcast.EventTimeout))
}

// TestService_StaleTimeoutDropped 舊盤或已換手的超時不影響棋局
func TestService_StaleTimeoutDropped(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())
	roomID := newPVPRoom(t, n, gomoku.RuleStandard)
	play(t, n, roomID, [3]int{7, 7, bk})

	snap, err := n.svc.Snapshot(ctx, roomID)
	require.NoError(t, err)

	require.NoError(t, n.svc.HandleTimeout(ctx, roomID, "previous-game", gomoku.White))
	require.NoError(t, n.svc.HandleTimeout(ctx, roomID, snap.GameID, gomoku.Black))
	require.NoError(t, n.svc.HandleTimeout(ctx, "gone", snap.GameID, gomoku.White))

	st, err := n.svc.GetState(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, st.Over)
	assert.Equal(t, int64(1), st.Step)
	assert.Zero(t, n.events.Count(broadcast.EventTimeout))

	require.NoError(t, n.svc.HandleTimeout(ctx, roomID, snap.GameID, gomoku.White))
	st, err = n.svc.GetState(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, st.Over)
	assert.Equal(t, gomoku.Black, st.Winner)
	assert.Equal(t, 1, n.events.Count(broadcast.EventTimeout))
}

// TestService_AIReplies PVE 中 AI 自動回手，AI 執黑時先手
func TestService_AIReplies(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())

	t.Run("ai as white", func(t *testing.T) {
		roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVE, gomoku.White, gomoku.RuleStandard, "alice")
		require.NoError(t, err)

		play(t, n, roomID, [3]int{7, 7, bk})
		testutils.WaitForCondition(t, func() bool {
			st, err := n.svc.GetState(ctx, roomID)
			return err == nil && st.Step == 2
		}, 5*time.Second, "ai replied")

		st, err := n.svc.GetState(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, gomoku.Black, st.Current)
		assert.Equal(t, gomoku.White, st.LastMove.Piece)

		testutils.WaitForCondition(t, func() bool {
			intent, err := n.store.Rooms.GetAIIntent(ctx, roomID)
			return err == nil && intent == nil
		}, time.Second, "ai intent cleared")
	})

	t.Run("ai as black moves first", func(t *testing.T) {
		roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVE, gomoku.Black, gomoku.RuleStandard, "alice")
		require.NoError(t, err)

		testutils.WaitForCondition(t, func() bool {
			st, err := n.svc.GetState(ctx, roomID)
			return err == nil && st.Step == 1
		}, 5*time.Second, "ai opened")

		st, err := n.svc.GetState(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, gomoku.Black, st.Board.Get(gomoku.Size/2, gomoku.Size/2))
		assert.Equal(t, gomoku.White, st.Current)
	})
}

// TestService_AIMoveCancelledByNewGame 開新盤後舊盤的 AI 任務不會寫入
func TestService_AIMoveCancelledByNewGame(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.opts.AIDelay = 200 * time.Millisecond
	_, n := newTestNode(t, cfg)

	roomID, err := n.svc.NewRoom(ctx, gomoku.ModePVE, gomoku.White, gomoku.RuleStandard, "alice")
	require.NoError(t, err)
	play(t, n, roomID, [3]int{7, 7, bk})

	_, err = n.svc.Restart(ctx, roomID)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	st, err := n.svc.GetState(ctx, roomID)
	require.NoError(t, err)
	assert.Zero(t, st.Step)
	assert.Zero(t, st.Board.StoneCount())

	intent, err := n.store.Rooms.GetAIIntent(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, intent)
}

// TestService_RecoverAIIntents 節點停機前排程的 AI 回手由新節點完成
func TestService_RecoverAIIntents(t *testing.T) {
	ctx := context.Background()
	_, client := testutils.NewMiniRedis(t)

	slow := defaultConfig()
	slow.opts.AIDelay = time.Hour
	a := newNode(t, client, "node-a", slow)

	roomID, err := a.svc.NewRoom(ctx, gomoku.ModePVE, gomoku.White, gomoku.RuleStandard, "alice")
	require.NoError(t, err)
	play(t, a, roomID, [3]int{7, 7, bk})

	intent, err := a.store.Rooms.GetAIIntent(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, gomoku.White, intent.Side)

	// 停機：本地任務取消，意圖保留
	a.svc.Close()
	intent, err = a.store.Rooms.GetAIIntent(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, intent)

	b := newNode(t, client, "node-b", defaultConfig())
	n, err := b.svc.RecoverAIIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	testutils.WaitForCondition(t, func() bool {
		st, err := b.svc.GetState(ctx, roomID)
		return err == nil && st.Step == 2
	}, 5*time.Second, "recovered ai move")

	testutils.WaitForCondition(t, func() bool {
		intent, err := b.store.Rooms.GetAIIntent(ctx, roomID)
		return err == nil && intent == nil
	}, time.Second, "intent cleared")
}

// TestService_RecoverAIIntents_OrphanRoom 房間已不存在的意圖被清除且不排程
func TestService_RecoverAIIntents_OrphanRoom(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNode(t, defaultConfig())

	require.NoError(t, n.store.Rooms.SaveAIIntent(ctx, &store.AIIntent{
		RoomID:        "gone",
		GameID:        "g1",
		Side:          gomoku.White,
		ScheduledAtMs: time.Now().UnixMilli(),
	}))

	count, err := n.svc.RecoverAIIntents(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	intent, err := n.store.Rooms.GetAIIntent(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestTurnClock_Plan(t *testing.T) {
	_, client := testutils.NewMiniRedis(t)
	logger := testutils.TestLogger()
	sched := countdown.New(countdown.NewRedisStore(client, "countdown:", time.Hour, 10*time.Second), countdown.Options{}, logger)
	t.Cleanup(sched.Close)

	tests := []struct {
		name   string
		opts   room.ClockOptions
		over   bool
		aiTurn bool
		timed  bool
	}{
		{"human turn", room.ClockOptions{TurnDuration: time.Second}, false, false, true},
		{"ai turn untimed", room.ClockOptions{TurnDuration: time.Second}, false, true, false},
		{"ai turn timed", room.ClockOptions{TurnDuration: time.Second, AITimed: true}, false, true, true},
		{"game over", room.ClockOptions{TurnDuration: time.Second, AITimed: true}, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := room.NewTurnClock(sched, broadcast.Nop{}, tt.opts, logger)
			st := gomoku.NewGameState()
			st.Over = tt.over
			deadline := clock.Plan(st, tt.aiTurn)
			assert.Equal(t, tt.timed, !deadline.IsZero())
		})
	}
}
