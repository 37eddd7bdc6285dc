// Package room 實現五子棋房間服務
//
// 系統設計問題：
//
//	多個無狀態節點同時處理同一房間的落子、AI 回手與超時判負，
//	在沒有跨進程房間鎖的情況下如何保證棋局不被寫亂？
//
// 核心挑戰：
//  1. 兩個玩家（或玩家與超時）可能在同一瞬間推進同一盤
//  2. 節點重啟後記憶體中的房間與 AI 任務全部消失
//  3. 重開一盤後，排給舊盤的 AI 落子與超時必須失效
//
// 設計方案：
//
//	✅ 每次命令都從 Redis 讀取權威快照，以 step/mover 做 CAS 寫回
//	✅ CAS 失敗即 ErrStaleWrite，呼叫端靜默丟棄，不重試、不廣播
//	✅ 記憶體房間只是快取，缺失時由 meta + 比分 + 座位 + 當前盤重建
//	✅ AI 意圖落地到 Redis，啟動時 RecoverAIIntents 重新排程
//	✅ AI 任務與超時都以 gameID 比對，舊盤的結果直接丟棄
package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/archive"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
)

// Archiver 結束對局的歸檔
type Archiver interface {
	RecordResult(ctx context.Context, r archive.GameResult) error
	History(ctx context.Context, roomID string, limit int) ([]archive.GameResult, error)
}

// Options 房間服務配置
type Options struct {
	AIDepth      int           // AI 搜尋深度
	AIDelay      time.Duration // AI 落子前的延遲
	RequireStart bool          // WAITING 階段是否拒絕落子
}

// Service 房間服務
type Service struct {
	store   *store.Store
	clock   *TurnClock
	sink    broadcast.Sink
	archive Archiver
	opts    Options
	logger  *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*gomoku.Room

	aiMu    sync.Mutex
	aiTasks map[string]*aiTask
	aiWG    sync.WaitGroup
	closed  bool
}

// NewService 創建房間服務，archive 可為 nil
//
// 服務會成為 clock 的超時處理者。
func NewService(st *store.Store, clock *TurnClock, sink broadcast.Sink, archive Archiver, opts Options, logger *slog.Logger) *Service {
	if opts.AIDepth <= 0 {
		opts.AIDepth = gomoku.DefaultDepth
	}
	if sink == nil {
		sink = broadcast.Nop{}
	}
	s := &Service{
		store:   st,
		clock:   clock,
		sink:    sink,
		archive: archive,
		opts:    opts,
		logger:  logger,
		rooms:   make(map[string]*gomoku.Room),
		aiTasks: make(map[string]*aiTask),
	}
	clock.handler = s.HandleTimeout
	return s
}

// Close 停止所有本地 AI 任務並等待進行中的落子完成
//
// 已落地的 AI 意圖保留在 Redis，由下一個啟動的節點接手。
func (s *Service) Close() {
	s.aiMu.Lock()
	s.closed = true
	for roomID := range s.aiTasks {
		s.stopTaskLocked(roomID)
	}
	s.aiMu.Unlock()
	s.aiWG.Wait()
}

// NewRoom 創建房間並返回 roomID
//
// 模式默認 PVE、規則默認 STANDARD、PVE 的 AI 默認執白。
// 房主自動入座：PVP 坐黑方，PVE 坐 AI 的對面。
func (s *Service) NewRoom(ctx context.Context, mode gomoku.Mode, aiPiece gomoku.Piece, rule gomoku.Rule, ownerUserID string) (string, error) {
	if ownerUserID == "" {
		return "", apperrors.ErrInvalidInput.WithDetails("owner user id is required")
	}
	if mode == "" {
		mode = gomoku.ModePVE
	}
	if rule == "" {
		rule = gomoku.RuleStandard
	}
	ownerSide := gomoku.Black
	switch mode {
	case gomoku.ModePVE:
		if !aiPiece.IsStone() {
			aiPiece = gomoku.White
		}
		ownerSide = aiPiece.Opponent()
	default:
		aiPiece = gomoku.Empty
	}

	roomID := uuid.NewString()
	gameID := uuid.NewString()
	ctx = logger.WithRoomID(ctx, roomID)

	state := gomoku.NewGameState()
	if err := s.store.Games.Save(ctx, store.NewGameStateRecord(roomID, gameID, 1, state)); err != nil {
		return "", err
	}

	meta := &store.RoomMeta{
		RoomID:       roomID,
		GameID:       gameID,
		Mode:         mode,
		Rule:         rule,
		AIPiece:      aiPiece,
		CurrentIndex: 1,
		OwnerUserID:  ownerUserID,
		Phase:        gomoku.PhaseWaiting,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := s.store.Rooms.SaveMeta(ctx, meta); err != nil {
		return "", err
	}

	seats := store.NewSeatsBinding()
	seats.Bind(ownerUserID, ownerSide)
	if err := s.store.Rooms.SaveSeats(ctx, roomID, seats); err != nil {
		return "", err
	}
	if err := s.store.Rooms.AddToIndex(ctx, roomID, time.UnixMilli(meta.CreatedAt)); err != nil {
		return "", err
	}
	if err := s.store.Ongoing.Set(ctx, ownerUserID, roomID); err != nil {
		s.logger.WarnContext(ctx, "record ongoing room failed", "user_id", ownerUserID, "error", err)
	}

	room := gomoku.NewRoom(roomID, mode, rule, aiPiece, ownerUserID, gameID, s.opts.AIDepth)
	room.BindSeat(ownerUserID, ownerSide)
	s.mu.Lock()
	s.rooms[roomID] = room
	s.mu.Unlock()

	if s.live(meta) {
		s.startTurn(ctx, room, meta, state)
	}

	s.logger.InfoContext(ctx, "room created",
		"mode", mode,
		"rule", rule,
		"ai_piece", aiPiece.String(),
		"owner", ownerUserID,
	)
	return roomID, nil
}

// GetState 當前盤的權威狀態
func (s *Service) GetState(ctx context.Context, roomID string) (*gomoku.GameState, error) {
	meta, err := s.store.Rooms.GetMeta(ctx, roomID)
	if err != nil {
		return nil, err
	}
	_, st, err := s.current(ctx, meta)
	return st, err
}

// GetSeries 系列賽比分，以 Redis 比分表為準
func (s *Service) GetSeries(ctx context.Context, roomID string) (store.SeriesView, error) {
	if _, err := s.store.Rooms.GetMeta(ctx, roomID); err != nil {
		return store.SeriesView{}, err
	}
	return s.store.Rooms.GetSeries(ctx, roomID)
}

// Snapshot 由 Redis 組裝房間的完整視圖
func (s *Service) Snapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	meta, err := s.store.Rooms.GetMeta(ctx, roomID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Games.Get(ctx, roomID, meta.GameID)
	if err != nil {
		return nil, err
	}
	st, err := rec.State()
	if err != nil {
		return nil, err
	}
	seats, err := s.store.Rooms.GetSeats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	series, err := s.store.Rooms.GetSeries(ctx, roomID)
	if err != nil {
		return nil, err
	}
	anchor, err := s.store.Turns.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		RoomID:        roomID,
		GameID:        meta.GameID,
		Index:         rec.Index,
		Mode:          meta.Mode,
		Rule:          meta.Rule,
		Phase:         meta.Phase,
		OwnerUserID:   meta.OwnerUserID,
		Board:         st.Board.Rows(),
		Step:          rec.Step,
		LastMove:      st.LastMove,
		Over:          rec.Over,
		Outcome:       outcomeLabel(rec),
		SeatXUserID:   seats.SeatXUserID,
		SeatOUserID:   seats.SeatOUserID,
		SeatXOccupied: seats.SeatXUserID != "",
		SeatOOccupied: seats.SeatOUserID != "",
		ReadyStatus:   readyStatus(seats),
		Series:        series,
	}
	if meta.AIPiece.IsStone() {
		snap.AIPiece = meta.AIPiece.String()
	}
	if !rec.Over {
		snap.SideToMove = rec.Current.String()
	}
	if anchor != nil && anchor.GameID == meta.GameID {
		snap.TurnSeq = anchor.TurnSeq
		snap.DeadlineEpochMs = anchor.DeadlineEpochMs
	}
	return snap, nil
}

// Suggest 為 side 給出建議落點，不修改棋局；棋局已結束時返回 nil
func (s *Service) Suggest(ctx context.Context, roomID string, side gomoku.Piece) (*gomoku.Move, error) {
	if !side.IsStone() {
		return nil, apperrors.ErrInvalidInput.WithDetails("side must be X or O")
	}
	room, meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	_, st, err := s.current(ctx, meta)
	if err != nil {
		return nil, err
	}
	if st.Over {
		return nil, nil
	}
	move, ok := room.AI().BestMove(st.Board, side)
	if !ok {
		return nil, nil
	}
	return &move, nil
}

// ListRooms 大廳列表，新建的在前；索引中殘留的已過期房間會被順便清除
func (s *Service) ListRooms(ctx context.Context, offset, limit int) ([]RoomSummary, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	ids, err := s.store.Rooms.ListRooms(ctx, offset, limit)
	if err != nil {
		return nil, err
	}

	rooms := make([]RoomSummary, 0, len(ids))
	for _, id := range ids {
		meta, err := s.store.Rooms.GetMeta(ctx, id)
		if apperrors.IsRoomNotFound(err) {
			if err := s.store.Rooms.RemoveFromIndex(ctx, id); err != nil {
				s.logger.WarnContext(ctx, "remove stale room from index failed", "room_id", id, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		seats, err := s.store.Rooms.GetSeats(ctx, id)
		if err != nil {
			return nil, err
		}

		players := 0
		if seats.SeatXUserID != "" {
			players++
		}
		if seats.SeatOUserID != "" {
			players++
		}
		rooms = append(rooms, RoomSummary{
			RoomID:      id,
			Mode:        meta.Mode,
			Rule:        meta.Rule,
			Phase:       meta.Phase,
			OwnerUserID: meta.OwnerUserID,
			Players:     players,
			CreatedAt:   meta.CreatedAt,
		})
	}
	return rooms, nil
}

// History 房間已歸檔的對局
func (s *Service) History(ctx context.Context, roomID string, limit int) ([]archive.GameResult, error) {
	if s.archive == nil {
		return nil, apperrors.ErrArchiveDisabled
	}
	return s.archive.History(ctx, roomID, limit)
}

// OngoingRoom 用戶進行中的房間，沒有時返回空字串
func (s *Service) OngoingRoom(ctx context.Context, userID string) (string, error) {
	return s.store.Ongoing.Get(ctx, userID)
}

// live 房間是否處於可落子、計時與 AI 回手的狀態
func (s *Service) live(meta *store.RoomMeta) bool {
	return !s.opts.RequireStart || meta.Phase == gomoku.PhasePlaying
}

// load 讀取 meta 並取得（必要時重建）快取的房間
func (s *Service) load(ctx context.Context, roomID string) (*gomoku.Room, *store.RoomMeta, error) {
	meta, err := s.store.Rooms.GetMeta(ctx, roomID)
	if err != nil {
		if apperrors.IsRoomNotFound(err) {
			s.evict(roomID)
		}
		return nil, nil, err
	}

	s.mu.RLock()
	room := s.rooms[roomID]
	s.mu.RUnlock()

	if room == nil {
		room, err = s.rehydrate(ctx, meta)
		if err != nil {
			return nil, nil, err
		}
		s.mu.Lock()
		if existing, ok := s.rooms[roomID]; ok {
			room = existing
		} else {
			s.rooms[roomID] = room
		}
		s.mu.Unlock()
	}

	s.refresh(room, meta)
	return room, meta, nil
}

// rehydrate 由 Redis 重建房間
func (s *Service) rehydrate(ctx context.Context, meta *store.RoomMeta) (*gomoku.Room, error) {
	series, err := s.store.Rooms.GetSeries(ctx, meta.RoomID)
	if err != nil {
		return nil, err
	}
	seats, err := s.store.Rooms.GetSeats(ctx, meta.RoomID)
	if err != nil {
		return nil, err
	}
	_, st, err := s.current(ctx, meta)
	if err != nil {
		return nil, err
	}

	room := gomoku.NewRoom(meta.RoomID, meta.Mode, meta.Rule, meta.AIPiece, meta.OwnerUserID, meta.GameID, s.opts.AIDepth)
	room.Series.Current = &gomoku.Game{Index: meta.CurrentIndex, GameID: meta.GameID, State: st}
	room.Series.NextIndex = meta.CurrentIndex + 1
	room.Series.BlackWins = series.BlackWins
	room.Series.WhiteWins = series.WhiteWins
	room.Series.Draws = series.Draws
	for userID, side := range seats.SeatBySession {
		if seats.Holder(side) == userID {
			room.BindSeat(userID, side)
		}
	}

	s.logger.InfoContext(ctx, "room rehydrated",
		"room_id", meta.RoomID,
		"game_id", meta.GameID,
		"step", st.Step,
	)
	return room, nil
}

// refresh 以 meta 校正快取：其他節點可能已開新盤或轉移房主
func (s *Service) refresh(room *gomoku.Room, meta *store.RoomMeta) {
	room.Lock()
	defer room.Unlock()

	room.OwnerUserID = meta.OwnerUserID
	room.Series.BlackWins = meta.BlackWins
	room.Series.WhiteWins = meta.WhiteWins
	room.Series.Draws = meta.Draws
	if cur := room.CurrentGame(); cur == nil || cur.GameID != meta.GameID {
		room.Series.Current = gomoku.NewGame(meta.CurrentIndex, meta.GameID)
	}
	room.Series.NextIndex = meta.CurrentIndex + 1
}

func (s *Service) evict(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// cacheState 寫回快取中的當前盤
func (s *Service) cacheState(room *gomoku.Room, gameID string, st *gomoku.GameState) {
	room.Lock()
	defer room.Unlock()
	if cur := room.CurrentGame(); cur != nil && cur.GameID == gameID {
		cur.State = st.Copy()
	}
}

// current 讀取當前盤的權威快照
func (s *Service) current(ctx context.Context, meta *store.RoomMeta) (*store.GameStateRecord, *gomoku.GameState, error) {
	rec, err := s.store.Games.Get(ctx, meta.RoomID, meta.GameID)
	if err != nil {
		return nil, nil, err
	}
	st, err := rec.State()
	if err != nil {
		return nil, nil, err
	}
	return rec, st, nil
}

func (s *Service) publish(ctx context.Context, typ broadcast.EventType, roomID string, payload any) {
	s.sink.Publish(ctx, broadcast.NewEvent(typ, roomID, payload))
}

func (s *Service) publishState(ctx context.Context, roomID, gameID string, index int, st *gomoku.GameState, series store.SeriesView) {
	s.publish(ctx, broadcast.EventState, roomID, StatePayload{
		State:  newStateView(gameID, index, st),
		Series: series,
	})
}

func (s *Service) publishSnapshot(ctx context.Context, roomID string) {
	snap, err := s.Snapshot(ctx, roomID)
	if err != nil {
		s.logger.WarnContext(ctx, "build snapshot failed", "room_id", roomID, "error", err)
		return
	}
	s.publish(ctx, broadcast.EventSnapshot, roomID, snap)
}

func epochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Ping 檢查共享儲存是否可用
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis service unavailable")
	}
	return nil
}
