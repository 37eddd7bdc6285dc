package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/countdown"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
)

// clockKeyPrefix 房間倒數在排程器中的 key 前綴
const clockKeyPrefix = "gomoku:"

// ClockKey 房間的倒數 key
func ClockKey(roomID string) string {
	return clockKeyPrefix + roomID
}

// TimeoutHandler 回合超時處理
type TimeoutHandler func(ctx context.Context, roomID, gameID string, side gomoku.Piece) error

// ClockOptions 回合計時配置
type ClockOptions struct {
	TurnDuration time.Duration // 每手限時
	AITimed      bool          // AI 回合是否計時
}

// TurnClock 把五子棋回合接到通用倒數排程器上
//
// 系統設計問題：
//
//	排程器不懂棋局，誰來決定「這一手要不要計時、超時後做什麼」？
//
// 核心挑戰：
//  1. AI 回合默認不計時，棋局結束要停表
//  2. 超時的判負必須走與落子相同的 CAS 路徑
//  3. 重開後舊盤的超時不能影響新盤
//
// 設計方案：
//
//	✅ key 為 gomoku:{roomID}，owner 為輪到的一方，version 為 gameID
//	✅ tick 轉成房間的 TICK 廣播
//	✅ 超時交給 TimeoutHandler，由房間服務以 gameID 過濾後 CAS 判負
type TurnClock struct {
	scheduler *countdown.Scheduler
	sink      broadcast.Sink
	opts      ClockOptions
	logger    *slog.Logger
	now       func() time.Time

	handler  TimeoutHandler
	tickOnce sync.Once
}

// NewTurnClock 創建回合計時器
func NewTurnClock(scheduler *countdown.Scheduler, sink broadcast.Sink, opts ClockOptions, logger *slog.Logger) *TurnClock {
	if opts.TurnDuration <= 0 {
		opts.TurnDuration = 30 * time.Second
	}
	return &TurnClock{
		scheduler: scheduler,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// OnReady 註冊 tick 廣播並接手叢集中所有進行中的倒數
func (c *TurnClock) OnReady(ctx context.Context) (int, error) {
	c.tickOnce.Do(func() {
		c.scheduler.OnTick(c.onTick)
	})
	n, err := c.scheduler.RestoreAllActive(ctx, c.onTimeout)
	if err != nil {
		return 0, err
	}
	c.logger.InfoContext(ctx, "turn clock ready", "restored", n)
	return n, nil
}

// Plan 計算下一手的截止時間，不需計時時返回零值
func (c *TurnClock) Plan(st *gomoku.GameState, aiTurn bool) time.Time {
	if st.Over || (aiTurn && !c.opts.AITimed) {
		return time.Time{}
	}
	return c.now().Add(c.opts.TurnDuration)
}

// Sync 依截止時間啟動或停止房間的倒數，零值表示停止
func (c *TurnClock) Sync(ctx context.Context, roomID, gameID string, side gomoku.Piece, deadline time.Time) error {
	if deadline.IsZero() {
		return c.scheduler.Stop(ctx, ClockKey(roomID))
	}
	return c.scheduler.StartOrResume(ctx, ClockKey(roomID), side.String(), deadline, gameID, c.onTimeout)
}

// SyncFromState 依新狀態決定計時動作，返回使用的截止時間
func (c *TurnClock) SyncFromState(ctx context.Context, roomID, gameID string, st *gomoku.GameState, aiTurn bool) (time.Time, error) {
	deadline := c.Plan(st, aiTurn)
	return deadline, c.Sync(ctx, roomID, gameID, st.Current, deadline)
}

// Stop 停止房間的倒數
func (c *TurnClock) Stop(ctx context.Context, roomID string) error {
	return c.scheduler.Stop(ctx, ClockKey(roomID))
}

// Active 本節點是否正在為房間計時
func (c *TurnClock) Active(roomID string) bool {
	return c.scheduler.Active(ClockKey(roomID))
}

func (c *TurnClock) onTick(ctx context.Context, st countdown.State, left time.Duration) {
	roomID, ok := strings.CutPrefix(st.Key, clockKeyPrefix)
	if !ok {
		return
	}
	seconds := int((left + time.Second - 1) / time.Second)
	c.sink.Publish(ctx, broadcast.NewEvent(broadcast.EventTick, roomID, broadcast.TickPayload{
		Left:            seconds,
		Side:            st.Owner,
		DeadlineEpochMs: st.DeadlineEpochMs,
	}))
}

func (c *TurnClock) onTimeout(ctx context.Context, st countdown.State) error {
	roomID, ok := strings.CutPrefix(st.Key, clockKeyPrefix)
	if !ok {
		return nil
	}
	side, ok := gomoku.ParsePiece(st.Owner)
	if !ok || !side.IsStone() {
		return fmt.Errorf("countdown %s has invalid owner %q", st.Key, st.Owner)
	}
	if c.handler == nil {
		return errors.New("turn clock has no timeout handler")
	}
	return c.handler(ctx, roomID, st.Version, side)
}
