// Package gomoku 實現五子棋的棋盤、規則判定、AI 搜尋與房間資料模型
//
// 系統設計問題：
//
//	如何讓規則與 AI 成為純函數，讓分散式狀態層可以隨時重建棋局？
//
// 核心挑戰：
//  1. 棋盤必須能序列化為固定長度字串（Redis 快照）並無損還原
//  2. AI 搜尋會大量試落子，不能污染正在進行的真實棋局
//  3. RENJU 禁手只約束黑方，且要以「試放、計數、移除」方式判定
//
// 設計方案：
//
//	✅ Board 為值語義陣列，Copy 只是一次陣列複製
//	✅ 規則函數不持有狀態，只讀寫呼叫端傳入的棋盤
//	✅ AI 永遠在 scratch 副本上搜尋
package gomoku

import (
	"fmt"
	"strings"
)

// Size 棋盤邊長
const Size = 15

// Piece 棋子
type Piece uint8

const (
	// Empty 空位
	Empty Piece = iota
	// Black 黑子（先手，X）
	Black
	// White 白子（O）
	White
)

// Char 返回棋子的單字元表示（'.'、'X'、'O'）
func (p Piece) Char() byte {
	switch p {
	case Black:
		return 'X'
	case White:
		return 'O'
	default:
		return '.'
	}
}

// String 實現 fmt.Stringer
func (p Piece) String() string {
	return string(p.Char())
}

// Opponent 返回對手棋子
func (p Piece) Opponent() Piece {
	switch p {
	case Black:
		return White
	case White:
		return Black
	default:
		return Empty
	}
}

// IsStone 是否為黑子或白子
func (p Piece) IsStone() bool {
	return p == Black || p == White
}

// MarshalText 以 "X"/"O"/"." 序列化
func (p Piece) MarshalText() ([]byte, error) {
	return []byte{p.Char()}, nil
}

// UnmarshalText 解析 "X"/"O"/"."（大小寫不敏感）
func (p *Piece) UnmarshalText(text []byte) error {
	parsed, ok := ParsePiece(string(text))
	if !ok {
		return fmt.Errorf("無效的棋子: %q", text)
	}
	*p = parsed
	return nil
}

// ParsePiece 解析棋子字元，空字串視為 Empty
func ParsePiece(s string) (Piece, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Empty, true
	}
	switch s[0] {
	case 'X', 'x':
		return Black, true
	case 'O', 'o':
		return White, true
	case '.':
		return Empty, true
	default:
		return Empty, false
	}
}

// Move 一步棋
type Move struct {
	X     int   `json:"x"`
	Y     int   `json:"y"`
	Piece Piece `json:"piece"`
}

// String 以 "x,y" 表示座標（持久化格式）
func (m Move) String() string {
	return fmt.Sprintf("%d,%d", m.X, m.Y)
}

// Board 15x15 棋盤，零值即空盤
//
// 不保存歷史，Place 直接覆寫，合法性由呼叫端負責。
type Board struct {
	cells [Size * Size]Piece
}

// NewBoard 創建空棋盤
func NewBoard() *Board {
	return &Board{}
}

// InBounds 座標是否在棋盤內
func InBounds(x, y int) bool {
	return x >= 0 && x < Size && y >= 0 && y < Size
}

// Get 讀取座標上的棋子，越界返回 Empty
func (b *Board) Get(x, y int) Piece {
	if !InBounds(x, y) {
		return Empty
	}
	return b.cells[x*Size+y]
}

// Place 放置（或以 Empty 清除）棋子
func (b *Board) Place(x, y int, p Piece) {
	if !InBounds(x, y) {
		return
	}
	b.cells[x*Size+y] = p
}

// IsEmpty 座標在棋盤內且為空
func (b *Board) IsEmpty(x, y int) bool {
	return InBounds(x, y) && b.cells[x*Size+y] == Empty
}

// Copy 深拷貝
func (b *Board) Copy() *Board {
	cp := *b
	return &cp
}

// StoneCount 棋盤上的棋子數
func (b *Board) StoneCount() int {
	n := 0
	for _, c := range b.cells {
		if c != Empty {
			n++
		}
	}
	return n
}

// String 扁平化為 Size*Size 長度的字串，索引為 x*Size+y
func (b *Board) String() string {
	buf := make([]byte, len(b.cells))
	for i, c := range b.cells {
		buf[i] = c.Char()
	}
	return string(buf)
}

// Rows 以每個 x 一列字串返回棋盤，用於快照
func (b *Board) Rows() []string {
	rows := make([]string, Size)
	flat := b.String()
	for x := 0; x < Size; x++ {
		rows[x] = flat[x*Size : (x+1)*Size]
	}
	return rows
}

// ParseBoard 從扁平字串還原棋盤
func ParseBoard(s string) (*Board, error) {
	if len(s) != Size*Size {
		return nil, fmt.Errorf("棋盤字串長度錯誤: 期望 %d, 實際 %d", Size*Size, len(s))
	}
	b := NewBoard()
	for i := 0; i < len(s); i++ {
		p, ok := ParsePiece(s[i : i+1])
		if !ok {
			return nil, fmt.Errorf("棋盤字串含無效字元 %q（位置 %d）", s[i], i)
		}
		b.cells[i] = p
	}
	return b, nil
}
