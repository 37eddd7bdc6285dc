package gomoku

// IsForbiddenMove 判定黑方在 (x,y) 落子是否為 RENJU 禁手
//
// 禁手：任一軸長連（>= 6）、兩個以上的四、兩個以上的活三。
// 成五不豁免：同時形成長連或另一個四仍是禁手。
// 判定時在 b 上試放黑子，返回前一定移除，非空位直接視為禁手。
func IsForbiddenMove(b *Board, x, y int) bool {
	if !b.IsEmpty(x, y) {
		return true
	}
	b.Place(x, y, Black)
	defer b.Place(x, y, Empty)

	for _, d := range axes {
		if count, _ := lineInfo(b, x, y, d[0], d[1], Black); count >= 6 {
			return true
		}
	}
	return countFours(b, x, y, Black) >= 2 || countOpenThrees(b, x, y, Black) >= 2
}

// countFours 統計通過 (x,y) 的四：有開口的連四，以及一端被堵的連五（衝四）
func countFours(b *Board, x, y int, p Piece) int {
	fours := 0
	for _, d := range axes {
		count, open := lineInfo(b, x, y, d[0], d[1], p)
		if (count == 4 && open >= 1) || (count == 5 && open == 1) {
			fours++
		}
	}
	return fours
}

// hasOpenFour 通過 (x,y) 是否存在兩端皆空的連四
func hasOpenFour(b *Board, x, y int, p Piece) bool {
	for _, d := range axes {
		count, open := lineInfo(b, x, y, d[0], d[1], p)
		if count == 4 && open == 2 {
			return true
		}
	}
	return false
}

// countOpenThrees 統計通過 (x,y) 的活三
//
// 活三：連三且兩端皆空，並且能在任一端延伸為活四。
func countOpenThrees(b *Board, x, y int, p Piece) int {
	threes := 0
	for _, d := range axes {
		count, open := lineInfo(b, x, y, d[0], d[1], p)
		if count == 3 && open == 2 && canExtendToOpenFour(b, x, y, d[0], d[1], p) {
			threes++
		}
	}
	return threes
}

// canExtendToOpenFour 在連三兩端的第一個空位試放，檢查是否形成活四
func canExtendToOpenFour(b *Board, x, y, dx, dy int, p Piece) bool {
	fwd := countDir(b, x, y, dx, dy, p)
	bwd := countDir(b, x, y, -dx, -dy, p)
	ends := [2][2]int{
		{x + (fwd+1)*dx, y + (fwd+1)*dy},
		{x - (bwd+1)*dx, y - (bwd+1)*dy},
	}
	for _, e := range ends {
		ex, ey := e[0], e[1]
		if !b.IsEmpty(ex, ey) {
			continue
		}
		b.Place(ex, ey, p)
		count, open := lineInfo(b, x, y, dx, dy, p)
		b.Place(ex, ey, Empty)
		if count == 4 && open == 2 {
			return true
		}
	}
	return false
}
