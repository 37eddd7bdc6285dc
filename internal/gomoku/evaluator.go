package gomoku

// 棋型分數
const (
	scoreFive        = 100000
	scoreOpenFour    = 7000
	scoreClosedFour  = 1200
	scoreOpenThree   = 600
	scoreClosedThree = 120
	scoreOpenTwo     = 60
	scoreClosedTwo   = 12
	scoreSingle      = 3
)

// linePatternScore 單一方向的棋型分數
func linePatternScore(count, open int) int {
	switch {
	case count >= 5:
		return scoreFive
	case count == 4:
		switch open {
		case 2:
			return scoreOpenFour
		case 1:
			return scoreClosedFour
		}
		return 0
	case count == 3:
		switch open {
		case 2:
			return scoreOpenThree
		case 1:
			return scoreClosedThree
		}
		return 0
	case count == 2:
		switch open {
		case 2:
			return scoreOpenTwo
		case 1:
			return scoreClosedTwo
		}
		return 0
	default:
		return scoreSingle
	}
}

// LocalPotential 以 p 佔據 (x,y) 時四個方向的棋型分數總和
//
// 若 (x,y) 為空位會試放後移除，棋盤內容不變。
func LocalPotential(b *Board, x, y int, p Piece) int {
	if b.IsEmpty(x, y) {
		b.Place(x, y, p)
		defer b.Place(x, y, Empty)
	}
	total := 0
	for _, d := range axes {
		count, open := lineInfo(b, x, y, d[0], d[1], p)
		total += linePatternScore(count, open)
	}
	return total
}

// Evaluate 全盤評估：me 所有棋子的棋型分數減去對手的棋型分數
func Evaluate(b *Board, me Piece) int {
	opp := me.Opponent()
	mine, theirs := 0, 0
	for x := 0; x < Size; x++ {
		for y := 0; y < Size; y++ {
			switch b.Get(x, y) {
			case me:
				mine += LocalPotential(b, x, y, me)
			case opp:
				theirs += LocalPotential(b, x, y, opp)
			}
		}
	}
	return mine - theirs
}
