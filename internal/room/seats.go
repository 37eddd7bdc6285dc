package room

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
)

const (
	seatKeyBytes    = 18
	seatKeyAttempts = 3
)

// ResolveAndBindSide 為用戶分配座位
//
// 已有座位時直接返回。PVE 只提供 AI 對面的座位；
// PVP 優先給 want（若空著），否則給第一個空位。
// 每個座位的搶佔以 Redis 搶座鎖串行化，綁定以 userID 為準，與連線無關。
func (s *Service) ResolveAndBindSide(ctx context.Context, roomID, userID string, want gomoku.Piece) (gomoku.Piece, error) {
	ctx = logger.WithUserID(logger.WithRoomID(ctx, roomID), userID)
	if userID == "" {
		return gomoku.Empty, apperrors.ErrInvalidInput.WithDetails("user id is required")
	}

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return gomoku.Empty, err
	}
	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return gomoku.Empty, err
	}
	if side, ok := seats.SeatBySession[userID]; ok && seats.Holder(side) == userID {
		return side, nil
	}

	for _, side := range seatCandidates(meta, seats, want) {
		bound, err := s.tryBind(ctx, roomID, userID, side)
		if err != nil {
			return gomoku.Empty, err
		}
		if !bound {
			continue
		}

		room.Lock()
		room.BindSeat(userID, side)
		room.Unlock()
		if err := s.store.Ongoing.Set(ctx, userID, roomID); err != nil {
			s.logger.WarnContext(ctx, "record ongoing room failed", "error", err)
		}
		s.publish(ctx, broadcast.EventSeat, roomID, broadcast.SeatPayload{UserID: userID, Side: side.String()})
		s.logger.InfoContext(ctx, "seat bound", "side", side.String())
		return side, nil
	}

	if meta.Mode == gomoku.ModePVE {
		return gomoku.Empty, apperrors.ErrSeatConflict.WithDetails("the human seat is taken")
	}
	return gomoku.Empty, apperrors.ErrRoomFull
}

// seatCandidates 依偏好排列目前空著的座位
func seatCandidates(meta *store.RoomMeta, seats *store.SeatsBinding, want gomoku.Piece) []gomoku.Piece {
	if meta.Mode == gomoku.ModePVE {
		human := meta.AIPiece.Opponent()
		if seats.Holder(human) == "" {
			return []gomoku.Piece{human}
		}
		return nil
	}

	order := []gomoku.Piece{gomoku.Black, gomoku.White}
	if want == gomoku.White {
		order = []gomoku.Piece{gomoku.White, gomoku.Black}
	}
	var out []gomoku.Piece
	for _, side := range order {
		if seats.Holder(side) == "" {
			out = append(out, side)
		}
	}
	return out
}

// tryBind 持搶座鎖綁定座位；座位已被他人佔用或鎖在別人手上時返回 false
func (s *Service) tryBind(ctx context.Context, roomID, userID string, side gomoku.Piece) (bool, error) {
	locked, err := s.store.Rooms.AcquireSeatLock(ctx, roomID, side, userID)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	defer func() {
		if err := s.store.Rooms.ReleaseSeatLock(ctx, roomID, side, userID); err != nil {
			s.logger.WarnContext(ctx, "release seat lock failed", "side", side.String(), "error", err)
		}
	}()

	_, err = s.store.Rooms.UpdateSeats(ctx, roomID, func(b *store.SeatsBinding) error {
		if holder := b.Holder(side); holder != "" && holder != userID {
			return apperrors.ErrSeatConflict
		}
		b.Bind(userID, side)
		return nil
	})
	if apperrors.IsSeatConflict(err) {
		return false, nil
	}
	return err == nil, err
}

// IssueSeatKey 為座位簽發一次性重連令牌
//
// existingKey 仍然有效時返回空字串，客戶端繼續使用原令牌。
func (s *Service) IssueSeatKey(ctx context.Context, roomID string, side gomoku.Piece, userID, existingKey string) (string, error) {
	ctx = logger.WithRoomID(ctx, roomID)
	if !side.IsStone() {
		return "", apperrors.ErrInvalidInput.WithDetails("side must be X or O")
	}

	if _, _, err := s.load(ctx, roomID); err != nil {
		return "", err
	}
	if existingKey != "" {
		binding, err := s.store.Rooms.GetSeatKey(ctx, roomID, existingKey)
		if err != nil {
			return "", err
		}
		if binding != nil {
			return "", nil
		}
	}

	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return "", err
	}
	if holder := seats.Holder(side); holder != "" && holder != userID {
		return "", apperrors.ErrSeatConflict.WithDetails("seat " + side.String() + " belongs to another user")
	}

	for range seatKeyAttempts {
		key, err := newSeatKey()
		if err != nil {
			return "", err
		}
		ok, err := s.store.Rooms.PutSeatKeyIfAbsent(ctx, roomID, key, &store.SeatKeyBinding{Side: side, UserID: userID})
		if err != nil {
			return "", err
		}
		if ok {
			return key, nil
		}
	}
	return "", apperrors.New(apperrors.ErrCodeInternal, "could not allocate a unique seat key")
}

func newSeatKey() (string, error) {
	buf := make([]byte, seatKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate seat key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BindBySeatKey 以令牌取回座位
//
// 未知令牌返回 (Empty, nil)；userID 為空時只解析不綁定。
// 令牌指向的座位若被其他用戶佔著，會轉給持令牌的 userID。
func (s *Service) BindBySeatKey(ctx context.Context, roomID, seatKey, userID string) (gomoku.Piece, error) {
	ctx = logger.WithUserID(logger.WithRoomID(ctx, roomID), userID)

	room, _, err := s.load(ctx, roomID)
	if err != nil {
		return gomoku.Empty, err
	}
	binding, err := s.store.Rooms.GetSeatKey(ctx, roomID, seatKey)
	if err != nil || binding == nil {
		return gomoku.Empty, err
	}
	side := binding.Side
	if userID == "" {
		return side, nil
	}

	var previous string
	_, err = s.store.Rooms.UpdateSeats(ctx, roomID, func(b *store.SeatsBinding) error {
		previous = b.Holder(side)
		if previous != "" && previous != userID {
			b.Unbind(previous)
		}
		b.Bind(userID, side)
		return nil
	})
	if err != nil {
		return gomoku.Empty, err
	}

	room.Lock()
	if previous != "" && previous != userID {
		room.UnbindSeat(previous)
	}
	room.BindSeat(userID, side)
	room.Unlock()

	if err := s.store.Ongoing.Set(ctx, userID, roomID); err != nil {
		s.logger.WarnContext(ctx, "record ongoing room failed", "error", err)
	}
	s.publish(ctx, broadcast.EventSeat, roomID, broadcast.SeatPayload{UserID: userID, Side: side.String()})
	s.logger.InfoContext(ctx, "seat bound by key", "side", side.String(), "previous", previous)
	return side, nil
}

// SeatOf 用戶在房間中的座位
func (s *Service) SeatOf(ctx context.Context, roomID, userID string) (gomoku.Piece, error) {
	if _, err := s.store.Rooms.GetMeta(ctx, roomID); err != nil {
		return gomoku.Empty, err
	}
	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return gomoku.Empty, err
	}
	side, ok := seats.SeatBySession[userID]
	if !ok || seats.Holder(side) != userID {
		return gomoku.Empty, apperrors.ErrNotSeated
	}
	return side, nil
}

// ToggleReady 切換準備狀態，返回切換後的值
func (s *Service) ToggleReady(ctx context.Context, roomID, userID string) (bool, error) {
	ctx = logger.WithUserID(logger.WithRoomID(ctx, roomID), userID)

	meta, err := s.store.Rooms.GetMeta(ctx, roomID)
	if err != nil {
		return false, err
	}
	if meta.Phase == gomoku.PhasePlaying {
		return false, apperrors.ErrGameInProgress
	}

	var ready bool
	_, err = s.store.Rooms.UpdateSeats(ctx, roomID, func(b *store.SeatsBinding) error {
		side, ok := b.SeatBySession[userID]
		if !ok || b.Holder(side) != userID {
			return apperrors.ErrNotSeated
		}
		ready = !b.ReadyByUserID[userID]
		b.ReadyByUserID[userID] = ready
		return nil
	})
	if err != nil {
		return false, err
	}

	s.publish(ctx, broadcast.EventReady, roomID, broadcast.ReadyPayload{UserID: userID, Ready: ready})
	return ready, nil
}

// ReadyStatus 已入座用戶的準備狀態
func (s *Service) ReadyStatus(ctx context.Context, roomID string) (map[string]bool, error) {
	if _, err := s.store.Rooms.GetMeta(ctx, roomID); err != nil {
		return nil, err
	}
	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return readyStatus(seats), nil
}

// StartGame 房主開局
//
// PVE 只需房主準備；PVP 需要兩個座位都有人且都已準備。
// 當前盤已結束時先開下一盤。
func (s *Service) StartGame(ctx context.Context, roomID, userID string) (*gomoku.GameState, error) {
	ctx = logger.WithUserID(logger.WithRoomID(ctx, roomID), userID)

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if meta.OwnerUserID != userID {
		return nil, apperrors.ErrNotOwner
	}
	if meta.Phase == gomoku.PhasePlaying {
		return nil, apperrors.ErrGameInProgress
	}

	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !startable(meta, seats) {
		return nil, apperrors.ErrPlayersNotReady
	}

	_, st, err := s.current(ctx, meta)
	if err != nil {
		return nil, err
	}

	meta.Phase = gomoku.PhasePlaying
	if st.Over {
		if st, err = s.openGame(ctx, room, meta, openNext); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.Rooms.SaveMeta(ctx, meta); err != nil {
			return nil, err
		}
		s.startTurn(ctx, room, meta, st)
	}

	s.publish(ctx, broadcast.EventPhase, roomID, broadcast.PhasePayload{Phase: string(gomoku.PhasePlaying)})
	s.publishSnapshot(ctx, roomID)
	s.logger.InfoContext(ctx, "game started", "game_id", meta.GameID, "index", meta.CurrentIndex)
	return st, nil
}

func startable(meta *store.RoomMeta, seats *store.SeatsBinding) bool {
	if meta.Mode == gomoku.ModePVE {
		owner := meta.OwnerUserID
		side, ok := seats.SeatBySession[owner]
		return ok && seats.Holder(side) == owner && seats.ReadyByUserID[owner]
	}
	x, o := seats.SeatXUserID, seats.SeatOUserID
	return x != "" && o != "" && seats.ReadyByUserID[x] && seats.ReadyByUserID[o]
}

// LeaveRoom 用戶離開房間
//
// PVE 房間或對手不在的 PVP 房間直接銷毀；
// 否則釋放座位、必要時轉移房主、清空比分並開一盤新棋。
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) error {
	ctx = logger.WithUserID(logger.WithRoomID(ctx, roomID), userID)

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}
	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return err
	}

	side, ok := seats.SeatBySession[userID]
	if !ok || seats.Holder(side) != userID {
		// 觀戰者離開不影響房間
		return s.store.Ongoing.Clear(ctx, userID, roomID)
	}
	if meta.Mode == gomoku.ModePVE || seats.Holder(side.Opponent()) == "" {
		return s.destroy(ctx, roomID)
	}
	return s.vacate(ctx, room, meta, userID)
}

// KickPlayer 房主在 PVP 的 WAITING 階段踢出另一位玩家
func (s *Service) KickPlayer(ctx context.Context, roomID, ownerID, targetID string) error {
	ctx = logger.WithUserID(logger.WithRoomID(ctx, roomID), ownerID)

	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}
	switch {
	case meta.OwnerUserID != ownerID:
		return apperrors.ErrNotOwner
	case meta.Mode != gomoku.ModePVP:
		return apperrors.ErrInvalidInput.WithDetails("kick is only available in PVP rooms")
	case meta.Phase == gomoku.PhasePlaying:
		return apperrors.ErrGameInProgress
	case targetID == "" || targetID == ownerID:
		return apperrors.ErrInvalidInput.WithDetails("cannot kick yourself")
	}

	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return err
	}
	if side, ok := seats.SeatBySession[targetID]; !ok || seats.Holder(side) != targetID {
		return apperrors.ErrNotSeated
	}

	s.logger.InfoContext(ctx, "player kicked", "target", targetID)
	return s.vacate(ctx, room, meta, targetID)
}

// vacate 釋放 userID 的座位並以清空的比分重新開局
func (s *Service) vacate(ctx context.Context, room *gomoku.Room, meta *store.RoomMeta, userID string) error {
	seats, err := s.store.Rooms.UpdateSeats(ctx, meta.RoomID, func(b *store.SeatsBinding) error {
		b.Unbind(userID)
		b.ReadyByUserID = make(map[string]bool)
		return nil
	})
	if err != nil {
		return err
	}

	if meta.OwnerUserID == userID {
		switch {
		case seats.SeatXUserID != "":
			meta.OwnerUserID = seats.SeatXUserID
		case seats.SeatOUserID != "":
			meta.OwnerUserID = seats.SeatOUserID
		}
	}
	room.Lock()
	room.UnbindSeat(userID)
	room.OwnerUserID = meta.OwnerUserID
	room.Unlock()

	if err := s.store.Rooms.ResetSeries(ctx, meta.RoomID); err != nil {
		return err
	}
	meta.Phase = gomoku.PhaseWaiting
	if _, err := s.openGame(ctx, room, meta, openReset); err != nil {
		return err
	}

	if err := s.store.Ongoing.Clear(ctx, userID, meta.RoomID); err != nil {
		s.logger.WarnContext(ctx, "clear ongoing room failed", "error", err)
	}
	s.publish(ctx, broadcast.EventSeat, meta.RoomID, broadcast.SeatPayload{UserID: userID})
	s.publishSnapshot(ctx, meta.RoomID)

	s.logger.InfoContext(ctx, "seat vacated",
		"vacated_user", userID,
		"owner", meta.OwnerUserID,
		"game_id", meta.GameID,
	)
	return nil
}

// destroy 刪除房間的所有投影並通知所有連線
func (s *Service) destroy(ctx context.Context, roomID string) error {
	s.cancelAI(ctx, roomID)
	if err := s.clock.Stop(ctx, roomID); err != nil {
		s.logger.WarnContext(ctx, "stop turn clock failed", "error", err)
	}

	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return err
	}
	if err := s.store.DestroyRoom(ctx, roomID); err != nil {
		return err
	}
	for _, userID := range []string{seats.SeatXUserID, seats.SeatOUserID} {
		if userID == "" {
			continue
		}
		if err := s.store.Ongoing.Clear(ctx, userID, roomID); err != nil {
			s.logger.WarnContext(ctx, "clear ongoing room failed", "user_id", userID, "error", err)
		}
	}

	s.evict(roomID)
	s.publish(ctx, broadcast.EventRoomClosed, roomID, nil)
	s.logger.InfoContext(ctx, "room destroyed")
	return nil
}
