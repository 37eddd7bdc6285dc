package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/archive"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
)

// openKind 開新盤的方式
type openKind int

const (
	openNext    openKind = iota // 系列中的下一盤
	openRestart                 // 保留比分，盤號回到 1
	openReset                   // 清空比分，盤號回到 1
)

// Place piece 在 (x,y) 落子
//
// 以 Redis 中的快照為準驗證，再以 step/mover 做 CAS 寫回；
// 被其他寫入者搶先時返回 ErrStaleWrite。
func (s *Service) Place(ctx context.Context, roomID string, x, y int, piece gomoku.Piece) (*gomoku.GameState, error) {
	ctx = logger.WithRoomID(ctx, roomID)
	if !piece.IsStone() {
		return nil, apperrors.ErrInvalidInput.WithDetails("piece must be X or O")
	}

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if s.opts.RequireStart && meta.Phase != gomoku.PhasePlaying {
		return nil, apperrors.ErrGameNotStarted
	}

	rec, st, err := s.current(ctx, meta)
	if err != nil {
		return nil, err
	}
	next := st.Copy()
	outcome, err := next.Play(x, y, piece, room.Rule)
	if err != nil {
		return nil, err
	}

	reason := archive.ReasonFive
	if outcome == gomoku.Draw {
		reason = archive.ReasonDraw
	}
	series, err := s.commit(ctx, room, meta, rec, next, reason)
	if err != nil {
		return nil, err
	}

	s.publishState(ctx, roomID, meta.GameID, rec.Index, next, series)
	s.afterCommit(ctx, room, meta, next)
	return next, nil
}

// Resign side 認輸；棋局已結束時直接返回當前狀態
func (s *Service) Resign(ctx context.Context, roomID string, side gomoku.Piece) (*gomoku.GameState, error) {
	ctx = logger.WithRoomID(ctx, roomID)
	if !side.IsStone() {
		return nil, apperrors.ErrInvalidInput.WithDetails("side must be X or O")
	}

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	rec, st, err := s.current(ctx, meta)
	if err != nil {
		return nil, err
	}
	if st.Over {
		return st, nil
	}

	next := st.Copy()
	next.Resign(side)
	series, err := s.commit(ctx, room, meta, rec, next, archive.ReasonResign)
	if apperrors.IsStaleWrite(err) {
		// 被搶先的寫入若已結束棋局，認輸視為已完成
		if _, reloaded, rerr := s.current(ctx, meta); rerr == nil && reloaded.Over {
			return reloaded, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.publishState(ctx, roomID, meta.GameID, rec.Index, next, series)
	return next, nil
}

// HandleTimeout 回合超時：輪到的一方判負
//
// 只處理 gameID 與當前盤一致、且仍輪到 side 的超時；
// 其他情況（舊盤、已結束、已落子）直接丟棄。
func (s *Service) HandleTimeout(ctx context.Context, roomID, gameID string, side gomoku.Piece) error {
	ctx = logger.WithRoomID(ctx, roomID)

	room, meta, err := s.load(ctx, roomID)
	if apperrors.IsRoomNotFound(err) {
		s.logger.DebugContext(ctx, "timeout for missing room dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if meta.GameID != gameID {
		s.logger.InfoContext(ctx, "stale timeout dropped",
			"timeout_game_id", gameID,
			"current_game_id", meta.GameID,
		)
		return nil
	}

	rec, st, err := s.current(ctx, meta)
	if err != nil {
		return err
	}
	if st.Over || st.Current != side {
		s.logger.DebugContext(ctx, "timeout no longer applies",
			"side", side.String(),
			"current", st.Current.String(),
			"over", st.Over,
		)
		return nil
	}

	next := st.Copy()
	next.Resign(side)
	series, err := s.commit(ctx, room, meta, rec, next, archive.ReasonTimeout)
	if apperrors.IsStaleWrite(err) {
		s.logger.DebugContext(ctx, "timeout lost race to another writer", "step", rec.Step)
		return nil
	}
	if err != nil {
		return err
	}

	s.publish(ctx, broadcast.EventTimeout, roomID, broadcast.TimeoutPayload{Side: side.String()})
	s.publishState(ctx, roomID, meta.GameID, rec.Index, next, series)
	s.publishSnapshot(ctx, roomID)

	s.logger.InfoContext(ctx, "turn timed out",
		"game_id", gameID,
		"side", side.String(),
		"winner", next.Winner.String(),
	)
	return nil
}

// NewGame 開始系列中的下一盤
func (s *Service) NewGame(ctx context.Context, roomID string) (*gomoku.GameState, error) {
	return s.reopen(ctx, roomID, openNext)
}

// Restart 重開：保留比分，盤號回到 1
func (s *Service) Restart(ctx context.Context, roomID string) (*gomoku.GameState, error) {
	return s.reopen(ctx, roomID, openRestart)
}

func (s *Service) reopen(ctx context.Context, roomID string, kind openKind) (*gomoku.GameState, error) {
	ctx = logger.WithRoomID(ctx, roomID)

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	st, err := s.openGame(ctx, room, meta, kind)
	if err != nil {
		return nil, err
	}

	series, err := s.store.Rooms.GetSeries(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.publishState(ctx, roomID, meta.GameID, meta.CurrentIndex, st, series)
	s.publishSnapshot(ctx, roomID)

	s.logger.InfoContext(ctx, "game opened",
		"game_id", meta.GameID,
		"index", meta.CurrentIndex,
	)
	return st, nil
}

// commit CAS 寫入新狀態並處理其後果
//
// 寫入成功後：結束的棋局累計比分並歸檔；進行中的棋局進入 PLAYING；
// 最後依新狀態同步回合倒數。返回寫入後的比分。
func (s *Service) commit(ctx context.Context, room *gomoku.Room, meta *store.RoomMeta, prev *store.GameStateRecord, next *gomoku.GameState, reason string) (store.SeriesView, error) {
	aiTurn := room.IsAITurn(next)
	deadline := s.clock.Plan(next, aiTurn)

	rec := store.NewGameStateRecord(meta.RoomID, meta.GameID, prev.Index, next)
	ok, err := s.store.Games.UpdateAtomically(ctx, prev.Step, prev.Current, rec, epochMs(deadline))
	if err != nil {
		return store.SeriesView{}, err
	}
	if !ok {
		return store.SeriesView{}, apperrors.ErrStaleWrite.WithDetails(fmt.Sprintf("expected step %d", prev.Step))
	}
	s.cacheState(room, meta.GameID, next)

	var series store.SeriesView
	if next.Over {
		series = s.finishGame(ctx, room, meta, rec, reason)
	} else {
		if meta.Phase != gomoku.PhasePlaying {
			meta.Phase = gomoku.PhasePlaying
			if err := s.store.Rooms.SaveMeta(ctx, meta); err != nil {
				s.logger.WarnContext(ctx, "save phase failed", "error", err)
			}
			s.publish(ctx, broadcast.EventPhase, meta.RoomID, broadcast.PhasePayload{Phase: string(gomoku.PhasePlaying)})
		}
		series, err = s.store.Rooms.GetSeries(ctx, meta.RoomID)
		if err != nil {
			s.logger.WarnContext(ctx, "read series failed", "error", err)
		}
	}

	if err := s.clock.Sync(ctx, meta.RoomID, meta.GameID, next.Current, deadline); err != nil {
		s.logger.WarnContext(ctx, "sync turn clock failed", "error", err)
	}
	return series, nil
}

// afterCommit 輪到 AI 時排程回手
func (s *Service) afterCommit(ctx context.Context, room *gomoku.Room, meta *store.RoomMeta, st *gomoku.GameState) {
	if room.IsAITurn(st) && s.live(meta) {
		s.scheduleAI(ctx, room, meta.GameID, st.Current)
	}
}

// finishGame 累計比分、回到 WAITING、清除準備狀態並歸檔
func (s *Service) finishGame(ctx context.Context, room *gomoku.Room, meta *store.RoomMeta, rec *store.GameStateRecord, reason string) store.SeriesView {
	s.cancelAI(ctx, meta.RoomID)

	series, err := s.store.Rooms.IncrSeries(ctx, meta.RoomID, rec.WinnerPiece())
	if err != nil {
		s.logger.WarnContext(ctx, "record series failed", "error", err)
	}

	meta.BlackWins = series.BlackWins
	meta.WhiteWins = series.WhiteWins
	meta.Draws = series.Draws
	meta.Phase = gomoku.PhaseWaiting
	if err := s.store.Rooms.SaveMeta(ctx, meta); err != nil {
		s.logger.WarnContext(ctx, "save room meta failed", "error", err)
	}

	seats, err := s.store.Rooms.UpdateSeats(ctx, meta.RoomID, func(b *store.SeatsBinding) error {
		b.ReadyByUserID = make(map[string]bool)
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "reset ready flags failed", "error", err)
		seats = store.NewSeatsBinding()
	}

	room.Lock()
	room.Series.BlackWins = series.BlackWins
	room.Series.WhiteWins = series.WhiteWins
	room.Series.Draws = series.Draws
	room.Unlock()

	s.publish(ctx, broadcast.EventPhase, meta.RoomID, broadcast.PhasePayload{Phase: string(gomoku.PhaseWaiting)})
	s.archiveResult(ctx, meta, rec, seats, reason)

	s.logger.InfoContext(ctx, "game finished",
		"game_id", meta.GameID,
		"index", rec.Index,
		"winner", rec.Winner,
		"reason", reason,
		"steps", rec.Step,
	)
	return series
}

func (s *Service) archiveResult(ctx context.Context, meta *store.RoomMeta, rec *store.GameStateRecord, seats *store.SeatsBinding, reason string) {
	if s.archive == nil {
		return
	}
	err := s.archive.RecordResult(ctx, archive.GameResult{
		RoomID:      meta.RoomID,
		GameID:      meta.GameID,
		GameIndex:   int32(rec.Index),
		Mode:        string(meta.Mode),
		Rule:        string(meta.Rule),
		Winner:      rec.Winner,
		Reason:      reason,
		Steps:       rec.Step,
		BlackUserID: seats.SeatXUserID,
		WhiteUserID: seats.SeatOUserID,
		Board:       rec.Board,
		FinishedAt:  time.Now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "archive game result failed", "game_id", meta.GameID, "error", err)
	}
}

// openGame 生成新 gameID 並寫入空盤，舊盤的 AI 任務與倒數隨之失效
func (s *Service) openGame(ctx context.Context, room *gomoku.Room, meta *store.RoomMeta, kind openKind) (*gomoku.GameState, error) {
	s.cancelAI(ctx, meta.RoomID)

	gameID := uuid.NewString()
	room.Lock()
	var game *gomoku.Game
	switch kind {
	case openRestart:
		game = room.Restart(gameID)
	case openReset:
		game = room.ResetSeries(gameID)
	default:
		game = room.NextGame(gameID)
	}
	index := game.Index
	st := game.State.Copy()
	room.Unlock()

	if err := s.store.Games.Save(ctx, store.NewGameStateRecord(meta.RoomID, gameID, index, st)); err != nil {
		return nil, err
	}

	meta.GameID = gameID
	meta.CurrentIndex = index
	if kind == openReset {
		meta.BlackWins, meta.WhiteWins, meta.Draws = 0, 0, 0
	}
	if err := s.store.Rooms.SaveMeta(ctx, meta); err != nil {
		return nil, err
	}

	if s.live(meta) {
		s.startTurn(ctx, room, meta, st)
	} else {
		if err := s.store.Turns.Delete(ctx, meta.RoomID); err != nil {
			s.logger.WarnContext(ctx, "delete turn anchor failed", "error", err)
		}
		if err := s.clock.Stop(ctx, meta.RoomID); err != nil {
			s.logger.WarnContext(ctx, "stop turn clock failed", "error", err)
		}
	}
	return st, nil
}

// startTurn 為尚未落子的當前盤寫入錨點、啟動倒數，AI 先手時排程回手
func (s *Service) startTurn(ctx context.Context, room *gomoku.Room, meta *store.RoomMeta, st *gomoku.GameState) {
	aiTurn := room.IsAITurn(st)
	deadline := s.clock.Plan(st, aiTurn)

	anchor := &store.TurnAnchor{
		RoomID:          meta.RoomID,
		GameID:          meta.GameID,
		Side:            st.Current,
		DeadlineEpochMs: epochMs(deadline),
		TurnSeq:         st.Step,
	}
	if err := s.store.Turns.Save(ctx, anchor); err != nil {
		s.logger.WarnContext(ctx, "save turn anchor failed", "error", err)
	}
	if err := s.clock.Sync(ctx, meta.RoomID, meta.GameID, st.Current, deadline); err != nil {
		s.logger.WarnContext(ctx, "sync turn clock failed", "error", err)
	}
	if aiTurn {
		s.scheduleAI(ctx, room, meta.GameID, st.Current)
	}
}
