package gomoku

import "sort"

const (
	// WinScore 必勝/必敗的搜尋分數
	WinScore = 1_000_000

	// DefaultDepth 預設搜尋深度
	DefaultDepth = 3

	// defaultBranch 每層最多展開的候選數（根節點為兩倍）
	defaultBranch = 12

	// infinity 大於任何評估值，取負不會溢位
	infinity = 1 << 30

	// candidatePadding 候選點相對棋子外接矩形的擴張距離
	candidatePadding = 2
)

// AI 五子棋搜尋引擎
//
// 系統設計問題：
//
//	深度 3 的 alpha-beta 在 15x15 棋盤上如何兼顧強度與延遲？
//
// 核心挑戰：
//  1. 全盤展開的分支因子過大，必須依棋型排序並截斷候選
//  2. 深度 3 看不到兩步成殺的雙威脅
//  3. RENJU 下黑方禁手點在任何一層都不能被選擇
//
// 設計方案：
//
//	✅ 優先序：直接獲勝 > 阻擋對手獲勝 > 搶佔對手活四/雙活三點 > 搜尋
//	✅ 候選點依 LocalPotential(me) + 0.9·LocalPotential(opp) 排序
//	✅ negamax + alpha-beta，葉節點以當前行棋方視角評估
//	✅ 所有試落子都在 scratch 副本上進行，傳入的棋盤不會被修改
type AI struct {
	depth  int
	rule   Rule
	branch int
}

// NewAI 創建搜尋引擎
func NewAI(depth int, rule Rule) *AI {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &AI{
		depth:  depth,
		rule:   rule,
		branch: defaultBranch,
	}
}

type point struct{ x, y int }

// BestMove 為 side 選擇下一手
//
// 結果只由棋盤內容決定（同分時取候選生成順序較前者）。
// 棋盤已滿或 side 不是棋子時返回 false。
func (ai *AI) BestMove(b *Board, side Piece) (Move, bool) {
	if !side.IsStone() {
		return Move{}, false
	}
	scratch := b.Copy()
	if scratch.StoneCount() == 0 {
		return Move{X: Size / 2, Y: Size / 2, Piece: side}, true
	}
	if IsFull(scratch) {
		return Move{}, false
	}
	opp := side.Opponent()

	// 1. 直接獲勝
	if p, ok := ai.findWin(scratch, side, side); ok {
		return Move{X: p.x, Y: p.y, Piece: side}, true
	}
	// 2. 阻擋對手獲勝
	if p, ok := ai.findWin(scratch, opp, side); ok {
		return Move{X: p.x, Y: p.y, Piece: side}, true
	}
	// 3. 搶佔對手的活四/雙活三點
	if p, ok := ai.findThreat(scratch, opp, side); ok {
		return Move{X: p.x, Y: p.y, Piece: side}, true
	}

	// 4. 搜尋
	if p, ok := ai.search(scratch, side); ok {
		return Move{X: p.x, Y: p.y, Piece: side}, true
	}

	p := ai.fallback(scratch, side)
	return Move{X: p.x, Y: p.y, Piece: side}, true
}

// playable mover 是否能在 (x,y) 落子
func (ai *AI) playable(b *Board, x, y int, mover Piece) bool {
	return IsLegal(b, x, y) && !ai.rule.IsForbidden(b, x, y, mover)
}

// findWin 找出 p 一手成五的點，且該點 mover 可落子
func (ai *AI) findWin(b *Board, p, mover Piece) (point, bool) {
	for x := 0; x < Size; x++ {
		for y := 0; y < Size; y++ {
			if !ai.playable(b, x, y, p) || !IsWin(b, x, y, p) {
				continue
			}
			if p != mover && ai.rule.IsForbidden(b, x, y, mover) {
				continue
			}
			return point{x, y}, true
		}
	}
	return point{}, false
}

// findThreat 找出 opp 落子後形成活四或雙活三的點
//
// 活四優先於雙活三；mover 無法落子的點略過。
func (ai *AI) findThreat(b *Board, opp, mover Piece) (point, bool) {
	var doubleThree *point
	for x := 0; x < Size; x++ {
		for y := 0; y < Size; y++ {
			if !ai.playable(b, x, y, opp) || ai.rule.IsForbidden(b, x, y, mover) {
				continue
			}
			b.Place(x, y, opp)
			openFour := hasOpenFour(b, x, y, opp)
			threes := 0
			if !openFour && doubleThree == nil {
				threes = countOpenThrees(b, x, y, opp)
			}
			b.Place(x, y, Empty)

			if openFour {
				return point{x, y}, true
			}
			if threes >= 2 {
				doubleThree = &point{x, y}
			}
		}
	}
	if doubleThree != nil {
		return *doubleThree, true
	}
	return point{}, false
}

// candidates 生成並排序候選點
//
// 範圍：棋子外接矩形擴張 2 格內、八鄰域有子的空位；空盤只有中心。
func (ai *AI) candidates(b *Board, me Piece) []point {
	minX, minY, maxX, maxY := Size, Size, -1, -1
	for x := 0; x < Size; x++ {
		for y := 0; y < Size; y++ {
			if b.Get(x, y) == Empty {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < 0 {
		return []point{{Size / 2, Size / 2}}
	}
	minX, minY = max(0, minX-candidatePadding), max(0, minY-candidatePadding)
	maxX, maxY = min(Size-1, maxX+candidatePadding), min(Size-1, maxY+candidatePadding)

	opp := me.Opponent()
	type scored struct {
		p     point
		score int
	}
	var list []scored
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			if !b.IsEmpty(x, y) || !hasNeighbor(b, x, y) {
				continue
			}
			s := LocalPotential(b, x, y, me) + LocalPotential(b, x, y, opp)*9/10
			list = append(list, scored{point{x, y}, s})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	out := make([]point, len(list))
	for i, s := range list {
		out[i] = s.p
	}
	return out
}

// hasNeighbor 八鄰域是否有棋子
func hasNeighbor(b *Board, x, y int) bool {
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if (dx != 0 || dy != 0) && b.Get(x+dx, y+dy) != Empty {
				return true
			}
		}
	}
	return false
}

// search 根節點 alpha-beta，返回最佳候選
func (ai *AI) search(b *Board, side Piece) (point, bool) {
	cands := ai.candidates(b, side)
	if limit := ai.branch * 2; len(cands) > limit {
		cands = cands[:limit]
	}

	var best point
	found := false
	bestScore, alpha := -infinity, -infinity
	for _, c := range cands {
		if ai.rule.IsForbidden(b, c.x, c.y, side) {
			continue
		}
		b.Place(c.x, c.y, side)
		var score int
		if IsWin(b, c.x, c.y, side) {
			score = WinScore
		} else {
			score = -ai.negamax(b, ai.depth-1, -infinity, -alpha, side.Opponent())
		}
		b.Place(c.x, c.y, Empty)

		if !found || score > bestScore {
			best, bestScore, found = c, score, true
		}
		alpha = max(alpha, score)
	}
	return best, found
}

// negamax 以 cur 的視角返回局面分數
func (ai *AI) negamax(b *Board, depth, alpha, beta int, cur Piece) int {
	if depth <= 0 {
		return Evaluate(b, cur)
	}
	cands := ai.candidates(b, cur)
	if len(cands) > ai.branch {
		cands = cands[:ai.branch]
	}

	best := -infinity
	searched := false
	for _, c := range cands {
		if ai.rule.IsForbidden(b, c.x, c.y, cur) {
			continue
		}
		b.Place(c.x, c.y, cur)
		var v int
		if IsWin(b, c.x, c.y, cur) {
			v = WinScore
		} else {
			v = -ai.negamax(b, depth-1, -beta, -alpha, cur.Opponent())
		}
		b.Place(c.x, c.y, Empty)

		searched = true
		best = max(best, v)
		alpha = max(alpha, v)
		if alpha >= beta {
			break
		}
	}
	if !searched {
		if IsFull(b) {
			return 0
		}
		return Evaluate(b, cur)
	}
	return best
}

// fallback 候選全被過濾時的保底：離中心最近的可落子點，再不行取任一空位
func (ai *AI) fallback(b *Board, side Piece) point {
	center := Size / 2
	var best point
	bestDist := infinity
	for x := 0; x < Size; x++ {
		for y := 0; y < Size; y++ {
			if !ai.playable(b, x, y, side) {
				continue
			}
			if d := abs(x-center) + abs(y-center); d < bestDist {
				best, bestDist = point{x, y}, d
			}
		}
	}
	if bestDist < infinity {
		return best
	}
	if b.IsEmpty(center, center) {
		return point{center, center}
	}
	for x := 0; x < Size; x++ {
		for y := 0; y < Size; y++ {
			if b.IsEmpty(x, y) {
				return point{x, y}
			}
		}
	}
	return point{center, center}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
