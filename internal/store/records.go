package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
)

// WinnerDraw 和棋在快照中的表示
const WinnerDraw = "DRAW"

// RoomMeta 房間 meta 投影
type RoomMeta struct {
	RoomID       string       `json:"roomId"`
	GameID       string       `json:"gameId"`
	Mode         gomoku.Mode  `json:"mode"`
	Rule         gomoku.Rule  `json:"rule"`
	AIPiece      gomoku.Piece `json:"aiPiece"`
	CurrentIndex int          `json:"currentIndex"`
	BlackWins    int          `json:"blackWins"`
	WhiteWins    int          `json:"whiteWins"`
	Draws        int          `json:"draws"`
	OwnerUserID  string       `json:"ownerUserId"`
	Phase        gomoku.Phase `json:"phase"`
	CreatedAt    int64        `json:"createdAt"`
}

// SeatsBinding 座位綁定投影
type SeatsBinding struct {
	SeatXUserID   string                  `json:"seatXUserId,omitempty"`
	SeatOUserID   string                  `json:"seatOUserId,omitempty"`
	SeatBySession map[string]gomoku.Piece `json:"seatBySession,omitempty"`
	ReadyByUserID map[string]bool         `json:"readyByUserId,omitempty"`
}

// NewSeatsBinding 創建空的座位綁定
func NewSeatsBinding() *SeatsBinding {
	return &SeatsBinding{
		SeatBySession: make(map[string]gomoku.Piece),
		ReadyByUserID: make(map[string]bool),
	}
}

// Holder 座位上的用戶
func (s *SeatsBinding) Holder(side gomoku.Piece) string {
	switch side {
	case gomoku.Black:
		return s.SeatXUserID
	case gomoku.White:
		return s.SeatOUserID
	default:
		return ""
	}
}

// Bind 綁定用戶到座位，原座位（若不同）會被釋放
func (s *SeatsBinding) Bind(userID string, side gomoku.Piece) {
	s.Unbind(userID)
	s.SeatBySession[userID] = side
	if side == gomoku.Black {
		s.SeatXUserID = userID
	} else {
		s.SeatOUserID = userID
	}
}

// Unbind 釋放用戶的座位與準備狀態
func (s *SeatsBinding) Unbind(userID string) {
	delete(s.SeatBySession, userID)
	delete(s.ReadyByUserID, userID)
	if s.SeatXUserID == userID {
		s.SeatXUserID = ""
	}
	if s.SeatOUserID == userID {
		s.SeatOUserID = ""
	}
}

// SeatKeyBinding 一次性座位令牌指向的座位
type SeatKeyBinding struct {
	Side   gomoku.Piece `json:"side"`
	UserID string       `json:"userId"`
}

// GameStateRecord 棋盤快照投影
type GameStateRecord struct {
	RoomID   string       `json:"roomId"`
	GameID   string       `json:"gameId"`
	Index    int          `json:"index"`
	Board    string       `json:"board"`
	Current  gomoku.Piece `json:"current"`
	LastMove string       `json:"lastMove,omitempty"`
	Winner   string       `json:"winner,omitempty"`
	Over     bool         `json:"over"`
	Step     int64        `json:"step"`
}

// NewGameStateRecord 從記憶體狀態生成快照
func NewGameStateRecord(roomID, gameID string, index int, s *gomoku.GameState) *GameStateRecord {
	rec := &GameStateRecord{
		RoomID:  roomID,
		GameID:  gameID,
		Index:   index,
		Board:   s.Board.String(),
		Current: s.Current,
		Over:    s.Over,
		Step:    s.Step,
	}
	if s.LastMove != nil {
		rec.LastMove = s.LastMove.String()
	}
	if s.Over {
		rec.Winner = winnerString(s.Winner)
	}
	return rec
}

// State 還原為記憶體狀態
func (r *GameStateRecord) State() (*gomoku.GameState, error) {
	board, err := gomoku.ParseBoard(r.Board)
	if err != nil {
		return nil, fmt.Errorf("parse board of game %s: %w", r.GameID, err)
	}
	s := &gomoku.GameState{
		Board:   board,
		Current: r.Current,
		Over:    r.Over,
		Step:    r.Step,
	}
	if r.Over {
		s.Winner = parseWinner(r.Winner)
	}
	if r.LastMove != "" {
		x, y, err := parseCoord(r.LastMove)
		if err != nil {
			return nil, err
		}
		s.LastMove = &gomoku.Move{X: x, Y: y, Piece: board.Get(x, y)}
	}
	return s, nil
}

// WinnerPiece 勝方，和棋或未結束為 Empty
func (r *GameStateRecord) WinnerPiece() gomoku.Piece {
	return parseWinner(r.Winner)
}

func winnerString(p gomoku.Piece) string {
	if p.IsStone() {
		return p.String()
	}
	return WinnerDraw
}

func parseWinner(s string) gomoku.Piece {
	if s == WinnerDraw {
		return gomoku.Empty
	}
	p, _ := gomoku.ParsePiece(s)
	return p
}

// parseCoord 解析 "x,y"
func parseCoord(s string) (int, int, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid coordinate %q", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	return x, y, nil
}

// TurnAnchor 回合錨點，棋局結束時不存在
type TurnAnchor struct {
	RoomID          string       `json:"roomId"`
	GameID          string       `json:"gameId"`
	Side            gomoku.Piece `json:"side"`
	DeadlineEpochMs int64        `json:"deadlineEpochMs"`
	TurnSeq         int64        `json:"turnSeq"`
}

// AIIntent 已排程但尚未落下的 AI 落子
type AIIntent struct {
	RoomID        string       `json:"roomId"`
	GameID        string       `json:"gameId"`
	Side          gomoku.Piece `json:"side"`
	ScheduledAtMs int64        `json:"scheduledAtMs"`
}

// SeriesView 系列賽比分
type SeriesView struct {
	Round     int `json:"round"`
	BlackWins int `json:"blackWins"`
	WhiteWins int `json:"whiteWins"`
	Draws     int `json:"draws"`
}
