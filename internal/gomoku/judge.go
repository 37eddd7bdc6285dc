package gomoku

// Outcome 落子後的棋局結果
type Outcome int

const (
	// Ongoing 尚未結束
	Ongoing Outcome = iota
	// BlackWin 黑勝
	BlackWin
	// WhiteWin 白勝
	WhiteWin
	// Draw 和棋（棋盤下滿）
	Draw
)

// String 實現 fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case BlackWin:
		return "BLACK_WIN"
	case WhiteWin:
		return "WHITE_WIN"
	case Draw:
		return "DRAW"
	default:
		return "ONGOING"
	}
}

// axes 四個方向：→ ↓ ↘ ↗
var axes = [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}

// IsLegal 座標在棋盤內且為空
func IsLegal(b *Board, x, y int) bool {
	return b.IsEmpty(x, y)
}

// countDir 從 (x,y) 的下一格開始，沿方向累計連續同色棋子數
func countDir(b *Board, x, y, dx, dy int, p Piece) int {
	n := 0
	for cx, cy := x+dx, y+dy; InBounds(cx, cy) && b.Get(cx, cy) == p; cx, cy = cx+dx, cy+dy {
		n++
	}
	return n
}

// lineInfo 計算通過 (x,y) 的連子長度與兩端開放數
//
// (x,y) 本身視為 p，不論棋盤上是否已放置。
func lineInfo(b *Board, x, y, dx, dy int, p Piece) (count, open int) {
	fwd := countDir(b, x, y, dx, dy, p)
	bwd := countDir(b, x, y, -dx, -dy, p)
	count = 1 + fwd + bwd
	if b.IsEmpty(x+(fwd+1)*dx, y+(fwd+1)*dy) {
		open++
	}
	if b.IsEmpty(x-(bwd+1)*dx, y-(bwd+1)*dy) {
		open++
	}
	return count, open
}

// IsWin 以 (x,y) 為最後一手，任一軸向連子數 >= 5 即勝
func IsWin(b *Board, x, y int, p Piece) bool {
	if !p.IsStone() {
		return false
	}
	for _, d := range axes {
		if 1+countDir(b, x, y, d[0], d[1], p)+countDir(b, x, y, -d[0], -d[1], p) >= 5 {
			return true
		}
	}
	return false
}

// IsFull 棋盤是否已下滿
func IsFull(b *Board) bool {
	return b.StoneCount() == Size*Size
}

// OutcomeAfterMove 判定 (x,y) 落下 p 之後的結果
func OutcomeAfterMove(b *Board, x, y int, p Piece) Outcome {
	if IsWin(b, x, y, p) {
		if p == Black {
			return BlackWin
		}
		return WhiteWin
	}
	if IsFull(b) {
		return Draw
	}
	return Ongoing
}
