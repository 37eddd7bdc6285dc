package gomoku

import (
	"strings"
	"sync"
)

// Mode 對戰模式
type Mode string

const (
	// ModePVP 玩家對戰
	ModePVP Mode = "PVP"
	// ModePVE 人機對戰
	ModePVE Mode = "PVE"
)

// ParseMode 解析模式，空字串默認 PVE
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PVE":
		return ModePVE, true
	case "PVP":
		return ModePVP, true
	default:
		return "", false
	}
}

// Rule 規則
type Rule string

const (
	// RuleStandard 標準五子棋
	RuleStandard Rule = "STANDARD"
	// RuleRenju 連珠規則（黑方禁手）
	RuleRenju Rule = "RENJU"
)

// ParseRule 解析規則，空字串默認 STANDARD
func ParseRule(s string) (Rule, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "STANDARD":
		return RuleStandard, true
	case "RENJU":
		return RuleRenju, true
	default:
		return "", false
	}
}

// IsForbidden 在此規則下 p 於 (x,y) 落子是否為禁手
//
// 只有 RENJU 規則下的黑方會受限。
func (r Rule) IsForbidden(b *Board, x, y int, p Piece) bool {
	return r == RuleRenju && p == Black && IsForbiddenMove(b, x, y)
}

// Phase 房間階段
type Phase string

const (
	// PhaseWaiting 等待準備/開始
	PhaseWaiting Phase = "WAITING"
	// PhasePlaying 對局中
	PhasePlaying Phase = "PLAYING"
)

// Game 系列賽中的一盤
type Game struct {
	Index  int        // 在系列中的序號（從 1 開始）
	GameID string     // 每次開新盤或重開都重新生成，用於作廢舊盤的 AI/計時任務
	State  *GameState // 棋盤與回合狀態
}

// NewGame 創建新盤（空盤、黑先）
func NewGame(index int, gameID string) *Game {
	return &Game{
		Index:  index,
		GameID: gameID,
		State:  NewGameState(),
	}
}

// Series 房間內連續進行的對局
type Series struct {
	Current   *Game
	BlackWins int
	WhiteWins int
	Draws     int
	NextIndex int
}

// Record 依勝方累計比分，Empty 表示和棋
func (s *Series) Record(winner Piece) {
	switch winner {
	case Black:
		s.BlackWins++
	case White:
		s.WhiteWins++
	default:
		s.Draws++
	}
}

// Room 房間的進程內表示
//
// 只是共享儲存的快取，任何節點都能由儲存重建；
// mu 保護同一進程內並發的命令處理。
type Room struct {
	ID          string
	Mode        Mode
	Rule        Rule
	AIPiece     Piece // 僅 PVE 有值
	OwnerUserID string
	Series      *Series

	SeatX         string           // 黑方用戶
	SeatO         string           // 白方用戶
	SeatBySession map[string]Piece // 用戶 -> 座位

	ai *AI
	mu sync.RWMutex
}

// NewRoom 創建房間，首盤序號為 1
func NewRoom(id string, mode Mode, rule Rule, aiPiece Piece, ownerUserID, gameID string, aiDepth int) *Room {
	if mode != ModePVE {
		aiPiece = Empty
	}
	return &Room{
		ID:          id,
		Mode:        mode,
		Rule:        rule,
		AIPiece:     aiPiece,
		OwnerUserID: ownerUserID,
		Series: &Series{
			Current:   NewGame(1, gameID),
			NextIndex: 2,
		},
		SeatBySession: make(map[string]Piece),
		ai:            NewAI(aiDepth, rule),
	}
}

// AI 返回房間綁定的搜尋引擎
func (r *Room) AI() *AI {
	return r.ai
}

// Lock 取得寫鎖
func (r *Room) Lock() { r.mu.Lock() }

// Unlock 釋放寫鎖
func (r *Room) Unlock() { r.mu.Unlock() }

// RLock 取得讀鎖
func (r *Room) RLock() { r.mu.RLock() }

// RUnlock 釋放讀鎖
func (r *Room) RUnlock() { r.mu.RUnlock() }

// CurrentGame 當前盤
func (r *Room) CurrentGame() *Game {
	return r.Series.Current
}

// NextGame 推進到系列中的下一盤
func (r *Room) NextGame(gameID string) *Game {
	index := r.Series.NextIndex
	if index < 1 {
		index = 1
	}
	r.Series.NextIndex = index + 1
	r.Series.Current = NewGame(index, gameID)
	return r.Series.Current
}

// Restart 保留比分，盤號回到 1
func (r *Room) Restart(gameID string) *Game {
	r.Series.Current = NewGame(1, gameID)
	r.Series.NextIndex = 2
	return r.Series.Current
}

// ResetSeries 清空比分並從第 1 盤重新開始
func (r *Room) ResetSeries(gameID string) *Game {
	r.Series = &Series{
		Current:   NewGame(1, gameID),
		NextIndex: 2,
	}
	return r.Series.Current
}

// IsAITurn PVE 模式下是否輪到 AI
func (r *Room) IsAITurn(s *GameState) bool {
	return r.Mode == ModePVE && !s.Over && s.Current == r.AIPiece
}

// BindSeat 綁定用戶到座位
func (r *Room) BindSeat(userID string, side Piece) {
	r.SeatBySession[userID] = side
	switch side {
	case Black:
		r.SeatX = userID
	case White:
		r.SeatO = userID
	}
}

// UnbindSeat 解除用戶的座位
func (r *Room) UnbindSeat(userID string) {
	delete(r.SeatBySession, userID)
	if r.SeatX == userID {
		r.SeatX = ""
	}
	if r.SeatO == userID {
		r.SeatO = ""
	}
}
