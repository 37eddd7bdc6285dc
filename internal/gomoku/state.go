package gomoku

import (
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
)

// GameState 一盤棋的棋盤與回合狀態
type GameState struct {
	Board    *Board
	Current  Piece // 下一手的一方
	Over     bool
	Winner   Piece // Empty 且 Over 表示和棋
	LastMove *Move
	Step     int64 // 已接受的寫入次數，CAS 的 fencing token
}

// NewGameState 空盤、黑先
func NewGameState() *GameState {
	return &GameState{
		Board:   NewBoard(),
		Current: Black,
	}
}

// Copy 深拷貝
func (s *GameState) Copy() *GameState {
	cp := *s
	cp.Board = s.Board.Copy()
	if s.LastMove != nil {
		m := *s.LastMove
		cp.LastMove = &m
	}
	return &cp
}

// Apply 放置棋子、記錄最後一手、交換回合並推進 step
//
// 不做合法性檢查；棋局已結束時拒絕。
func (s *GameState) Apply(m Move) error {
	if s.Over {
		return apperrors.ErrGameOver
	}
	s.Board.Place(m.X, m.Y, m.Piece)
	last := m
	s.LastMove = &last
	s.Current = m.Piece.Opponent()
	s.Step++
	return nil
}

// Finish 結束棋局，winner 為 Empty 表示和棋
func (s *GameState) Finish(winner Piece) {
	s.Over = true
	s.Winner = winner
}

// Play 驗證並落子
//
// 拒絕條件依序為：棋局已結束、非本方回合、座標非法、RENJU 黑方禁手。
// 成功時返回落子後的結果，結束時 Over/Winner 已設定。
func (s *GameState) Play(x, y int, p Piece, rule Rule) (Outcome, error) {
	if s.Over {
		return Ongoing, apperrors.ErrGameOver
	}
	if s.Current != p {
		return Ongoing, apperrors.ErrNotYourTurn.WithDetails("current=" + s.Current.String())
	}
	if !IsLegal(s.Board, x, y) {
		return Ongoing, apperrors.ErrIllegalMove
	}
	if rule.IsForbidden(s.Board, x, y, p) {
		return Ongoing, apperrors.ErrForbiddenMove
	}

	if err := s.Apply(Move{X: x, Y: y, Piece: p}); err != nil {
		return Ongoing, err
	}

	outcome := OutcomeAfterMove(s.Board, x, y, p)
	switch outcome {
	case BlackWin:
		s.Finish(Black)
	case WhiteWin:
		s.Finish(White)
	case Draw:
		s.Finish(Empty)
	}
	return outcome, nil
}

// Resign side 認輸，對方獲勝；已結束時不變並返回 false
func (s *GameState) Resign(side Piece) bool {
	if s.Over {
		return false
	}
	s.Finish(side.Opponent())
	s.Step++
	return true
}
