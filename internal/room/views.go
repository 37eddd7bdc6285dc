package room

import (
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
)

// StateView 一盤棋的對外表示
type StateView struct {
	GameID   string       `json:"gameId"`
	Index    int          `json:"index"`
	Board    []string     `json:"board"`
	Current  gomoku.Piece `json:"current"`
	Over     bool         `json:"over"`
	Winner   string       `json:"winner,omitempty"` // X / O / DRAW
	LastMove *gomoku.Move `json:"lastMove,omitempty"`
	Step     int64        `json:"step"`
}

func newStateView(gameID string, index int, st *gomoku.GameState) StateView {
	v := StateView{
		GameID:  gameID,
		Index:   index,
		Board:   st.Board.Rows(),
		Current: st.Current,
		Over:    st.Over,
		Step:    st.Step,
	}
	if st.Over {
		v.Winner = winnerLabel(st.Winner)
	}
	if st.LastMove != nil {
		m := *st.LastMove
		v.LastMove = &m
	}
	return v
}

// StatePayload STATE 事件內容
type StatePayload struct {
	State  StateView        `json:"state"`
	Series store.SeriesView `json:"series"`
}

// Snapshot 房間的完整唯讀視圖，重連的客戶端以此重建畫面
type Snapshot struct {
	RoomID      string       `json:"roomId"`
	GameID      string       `json:"gameId"`
	Index       int          `json:"index"`
	Mode        gomoku.Mode  `json:"mode"`
	Rule        gomoku.Rule  `json:"rule"`
	AIPiece     string       `json:"aiPiece,omitempty"`
	Phase       gomoku.Phase `json:"phase"`
	OwnerUserID string       `json:"ownerUserId"`

	Board      []string     `json:"board"`
	SideToMove string       `json:"sideToMove,omitempty"`
	Step       int64        `json:"step"`
	LastMove   *gomoku.Move `json:"lastMove,omitempty"`
	Over       bool         `json:"over"`
	Outcome    string       `json:"outcome,omitempty"` // X_WIN / O_WIN / DRAW

	SeatXUserID   string          `json:"seatXUserId,omitempty"`
	SeatOUserID   string          `json:"seatOUserId,omitempty"`
	SeatXOccupied bool            `json:"seatXOccupied"`
	SeatOOccupied bool            `json:"seatOOccupied"`
	ReadyStatus   map[string]bool `json:"readyStatus"`

	TurnSeq         int64 `json:"turnSeq"`
	DeadlineEpochMs int64 `json:"deadlineEpochMs,omitempty"`

	Series store.SeriesView `json:"series"`
}

// RoomSummary 大廳列表的一項
type RoomSummary struct {
	RoomID      string       `json:"roomId"`
	Mode        gomoku.Mode  `json:"mode"`
	Rule        gomoku.Rule  `json:"rule"`
	Phase       gomoku.Phase `json:"phase"`
	OwnerUserID string       `json:"ownerUserId"`
	Players     int          `json:"players"`
	CreatedAt   int64        `json:"createdAt"`
}

func winnerLabel(p gomoku.Piece) string {
	if p.IsStone() {
		return p.String()
	}
	return store.WinnerDraw
}

func outcomeLabel(rec *store.GameStateRecord) string {
	if !rec.Over {
		return ""
	}
	switch rec.Winner {
	case gomoku.Black.String():
		return "X_WIN"
	case gomoku.White.String():
		return "O_WIN"
	default:
		return store.WinnerDraw
	}
}

// readyStatus 只包含已入座的用戶
func readyStatus(seats *store.SeatsBinding) map[string]bool {
	out := make(map[string]bool, 2)
	for _, userID := range []string{seats.SeatXUserID, seats.SeatOUserID} {
		if userID != "" {
			out[userID] = seats.ReadyByUserID[userID]
		}
	}
	return out
}
