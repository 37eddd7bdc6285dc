package room

import (
	"context"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/archive"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
)

// aiMoveTimeout 單次 AI 回手（搜尋 + 寫入）的上限
const aiMoveTimeout = 30 * time.Second

// aiTask 本節點上一個待執行的 AI 回手
//
// 每個房間最多一個；被新任務或 cancelAI 取代後，
// 即使搜尋已經開始，也不會再寫入結果。
type aiTask struct {
	intent *store.AIIntent
	timer  *time.Timer
}

// scheduleAI 先落地 AI 意圖，再在本地延遲執行
func (s *Service) scheduleAI(ctx context.Context, room *gomoku.Room, gameID string, side gomoku.Piece) {
	intent := &store.AIIntent{
		RoomID:        room.ID,
		GameID:        gameID,
		Side:          side,
		ScheduledAtMs: time.Now().UnixMilli(),
	}
	if err := s.store.Rooms.SaveAIIntent(ctx, intent); err != nil {
		s.logger.WarnContext(ctx, "save ai intent failed", "error", err)
	}
	s.schedule(intent)
}

func (s *Service) schedule(intent *store.AIIntent) {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	if s.closed {
		return
	}

	s.stopTaskLocked(intent.RoomID)
	t := &aiTask{intent: intent}
	s.aiWG.Add(1)
	t.timer = time.AfterFunc(s.opts.AIDelay, func() {
		defer s.aiWG.Done()
		s.runAI(t)
	})
	s.aiTasks[intent.RoomID] = t
}

// stopTaskLocked 取消房間的本地 AI 任務，呼叫者持有 aiMu
func (s *Service) stopTaskLocked(roomID string) {
	t, ok := s.aiTasks[roomID]
	if !ok {
		return
	}
	if t.timer.Stop() {
		s.aiWG.Done()
	}
	delete(s.aiTasks, roomID)
}

// cancelAI 取消房間的 AI 回手並刪除意圖
func (s *Service) cancelAI(ctx context.Context, roomID string) {
	s.aiMu.Lock()
	s.stopTaskLocked(roomID)
	s.aiMu.Unlock()

	if err := s.store.Rooms.DeleteAIIntent(ctx, roomID); err != nil {
		s.logger.WarnContext(ctx, "delete ai intent failed", "room_id", roomID, "error", err)
	}
}

func (s *Service) taskActive(t *aiTask) bool {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	return s.aiTasks[t.intent.RoomID] == t
}

// runAI 執行一次 AI 回手
//
// 依序檢查 gameID、回合與任務是否仍有效，任何一項不符都丟棄結果。
func (s *Service) runAI(t *aiTask) {
	intent := t.intent
	ctx, cancel := context.WithTimeout(logger.WithRoomID(context.Background(), intent.RoomID), aiMoveTimeout)
	defer cancel()
	defer s.finishTask(ctx, t)
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "ai move panicked", "panic", r)
		}
	}()

	room, meta, err := s.load(ctx, intent.RoomID)
	if err != nil {
		if !apperrors.IsRoomNotFound(err) {
			s.logger.WarnContext(ctx, "ai load room failed", "error", err)
		}
		return
	}
	if meta.GameID != intent.GameID {
		s.logger.DebugContext(ctx, "stale ai move dropped", "intent_game_id", intent.GameID, "current_game_id", meta.GameID)
		return
	}

	rec, st, err := s.current(ctx, meta)
	if err != nil {
		s.logger.WarnContext(ctx, "ai load game failed", "error", err)
		return
	}
	if !room.IsAITurn(st) || st.Current != intent.Side {
		return
	}

	started := time.Now()
	move, ok := room.AI().BestMove(st.Board, intent.Side)
	if !ok {
		s.logger.WarnContext(ctx, "ai found no move", "step", st.Step)
		return
	}
	if !s.taskActive(t) {
		s.logger.DebugContext(ctx, "ai move cancelled during search")
		return
	}

	next := st.Copy()
	outcome, err := next.Play(move.X, move.Y, intent.Side, room.Rule)
	if err != nil {
		s.logger.WarnContext(ctx, "ai move rejected", "move", move.String(), "error", err)
		return
	}
	reason := archive.ReasonFive
	if outcome == gomoku.Draw {
		reason = archive.ReasonDraw
	}

	series, err := s.commit(ctx, room, meta, rec, next, reason)
	if apperrors.IsStaleWrite(err) {
		s.logger.DebugContext(ctx, "ai move lost race", "step", rec.Step)
		return
	}
	if err != nil {
		s.logger.WarnContext(ctx, "ai commit failed", "error", err)
		return
	}

	s.publishState(ctx, intent.RoomID, meta.GameID, rec.Index, next, series)
	s.logger.InfoContext(ctx, "ai moved",
		"game_id", meta.GameID,
		"move", move.String(),
		"step", next.Step,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
}

// finishTask 移除本任務；Redis 中的意圖仍是自己那一筆時才刪除
func (s *Service) finishTask(ctx context.Context, t *aiTask) {
	s.aiMu.Lock()
	if s.aiTasks[t.intent.RoomID] == t {
		delete(s.aiTasks, t.intent.RoomID)
	}
	s.aiMu.Unlock()

	stored, err := s.store.Rooms.GetAIIntent(ctx, t.intent.RoomID)
	if err != nil || stored == nil || *stored != *t.intent {
		return
	}
	if err := s.store.Rooms.DeleteAIIntent(ctx, t.intent.RoomID); err != nil {
		s.logger.WarnContext(ctx, "delete ai intent failed", "error", err)
	}
}

// RecoverAIIntents 重新排程 Redis 中所有待執行的 AI 回手，返回排程數量
//
// 多個節點同時恢復同一意圖時，只有一個的 CAS 會成功。
func (s *Service) RecoverAIIntents(ctx context.Context) (int, error) {
	intents, err := s.store.Rooms.ScanAIIntents(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, intent := range intents {
		if _, _, err := s.load(ctx, intent.RoomID); err != nil {
			if apperrors.IsRoomNotFound(err) {
				if err := s.store.Rooms.DeleteAIIntent(ctx, intent.RoomID); err != nil {
					s.logger.WarnContext(ctx, "delete orphan ai intent failed", "room_id", intent.RoomID, "error", err)
				}
				continue
			}
			return n, err
		}
		s.schedule(intent)
		n++
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "ai intents recovered", "count", n)
	}
	return n, nil
}
