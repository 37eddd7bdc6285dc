package gomoku_test

import (
	"math/rand"
	"testing"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAxes = [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}

// boardFrom 依座標清單建立棋盤
func boardFrom(black, white [][2]int) *gomoku.Board {
	b := gomoku.NewBoard()
	for _, p := range black {
		b.Place(p[0], p[1], gomoku.Black)
	}
	for _, p := range white {
		b.Place(p[0], p[1], gomoku.White)
	}
	return b
}

// noFiveBoard 下滿但任何方向都不超過兩連的棋盤
func noFiveBoard() *gomoku.Board {
	b := gomoku.NewBoard()
	for x := 0; x < gomoku.Size; x++ {
		for y := 0; y < gomoku.Size; y++ {
			if (x+y/2)%2 == 0 {
				b.Place(x, y, gomoku.Black)
			} else {
				b.Place(x, y, gomoku.White)
			}
		}
	}
	return b
}

// TestIsWin_RandomRuns 隨機方向放置 5~7 連，必勝；移除中間一子後不勝
func TestIsWin_RandomRuns(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		d := testAxes[rng.Intn(len(testAxes))]
		length := 5 + rng.Intn(3)
		piece := gomoku.Black
		if rng.Intn(2) == 1 {
			piece = gomoku.White
		}

		// 找一個能放下整條連子的起點
		var sx, sy int
		for {
			sx, sy = rng.Intn(gomoku.Size), rng.Intn(gomoku.Size)
			ex, ey := sx+(length-1)*d[0], sy+(length-1)*d[1]
			if gomoku.InBounds(ex, ey) {
				break
			}
		}

		b := gomoku.NewBoard()
		for k := 0; k < length; k++ {
			b.Place(sx+k*d[0], sy+k*d[1], piece)
		}

		k := rng.Intn(length)
		lx, ly := sx+k*d[0], sy+k*d[1]
		require.True(t, gomoku.IsWin(b, lx, ly, piece), "run of %d along %v", length, d)

		// 移除中間一子，兩側各剩不足五連
		if length == 5 {
			mx, my := sx+2*d[0], sy+2*d[1]
			b.Place(mx, my, gomoku.Empty)
			assert.False(t, gomoku.IsWin(b, sx, sy, piece))
			assert.False(t, gomoku.IsWin(b, sx+4*d[0], sy+4*d[1], piece))
		}
	}
}

// TestIsWin 測試各種邊界情況
func TestIsWin(t *testing.T) {
	tests := []struct {
		name  string
		black [][2]int
		white [][2]int
		x, y  int
		piece gomoku.Piece
		want  bool
	}{
		{
			name:  "horizontal five",
			black: [][2]int{{7, 3}, {7, 4}, {7, 5}, {7, 6}, {7, 7}},
			x:     7, y: 5, piece: gomoku.Black, want: true,
		},
		{
			name:  "anti diagonal five at edge",
			white: [][2]int{{10, 0}, {9, 1}, {8, 2}, {7, 3}, {6, 4}},
			x:     10, y: 0, piece: gomoku.White, want: true,
		},
		{
			name:  "four is not a win",
			black: [][2]int{{0, 0}, {1, 0}, {2, 0}, {3, 0}},
			x:     3, y: 0, piece: gomoku.Black, want: false,
		},
		{
			name:  "broken by opponent",
			black: [][2]int{{7, 3}, {7, 4}, {7, 6}, {7, 7}},
			white: [][2]int{{7, 5}},
			x:     7, y: 7, piece: gomoku.Black, want: false,
		},
		{
			name:  "overline still wins under standard check",
			black: [][2]int{{2, 2}, {3, 3}, {4, 4}, {5, 5}, {6, 6}, {7, 7}},
			x:     4, y: 4, piece: gomoku.Black, want: true,
		},
		{
			name: "empty piece never wins",
			x:    7, y: 7, piece: gomoku.Empty, want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := boardFrom(tt.black, tt.white)
			assert.Equal(t, tt.want, gomoku.IsWin(b, tt.x, tt.y, tt.piece))
		})
	}
}

// TestOutcomeAfterMove 測試勝負與和棋判定
func TestOutcomeAfterMove(t *testing.T) {
	t.Run("black five", func(t *testing.T) {
		b := boardFrom([][2]int{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}, nil)
		assert.Equal(t, gomoku.BlackWin, gomoku.OutcomeAfterMove(b, 5, 5, gomoku.Black))
	})

	t.Run("white five", func(t *testing.T) {
		b := boardFrom(nil, [][2]int{{0, 14}, {1, 14}, {2, 14}, {3, 14}, {4, 14}})
		assert.Equal(t, gomoku.WhiteWin, gomoku.OutcomeAfterMove(b, 0, 14, gomoku.White))
	})

	t.Run("full board without five is a draw", func(t *testing.T) {
		b := noFiveBoard()
		require.True(t, gomoku.IsFull(b))
		last := b.Get(14, 14)
		assert.Equal(t, gomoku.Draw, gomoku.OutcomeAfterMove(b, 14, 14, last))
	})

	t.Run("ongoing", func(t *testing.T) {
		b := boardFrom([][2]int{{7, 7}}, [][2]int{{7, 8}})
		assert.Equal(t, gomoku.Ongoing, gomoku.OutcomeAfterMove(b, 7, 8, gomoku.White))
	})
}

// TestIsLegal 測試座標合法性
func TestIsLegal(t *testing.T) {
	b := boardFrom([][2]int{{7, 7}}, nil)

	assert.True(t, gomoku.IsLegal(b, 0, 0))
	assert.True(t, gomoku.IsLegal(b, 14, 14))
	assert.False(t, gomoku.IsLegal(b, 7, 7), "occupied")
	assert.False(t, gomoku.IsLegal(b, -1, 3), "out of bounds")
	assert.False(t, gomoku.IsLegal(b, 3, 15), "out of bounds")
}

// TestParseBoard 測試棋盤字串還原
func TestParseBoard(t *testing.T) {
	b := boardFrom([][2]int{{0, 0}, {7, 7}}, [][2]int{{14, 14}})

	restored, err := gomoku.ParseBoard(b.String())
	require.NoError(t, err)
	assert.Equal(t, b.String(), restored.String())
	assert.Equal(t, gomoku.Black, restored.Get(7, 7))
	assert.Equal(t, gomoku.White, restored.Get(14, 14))
	assert.Equal(t, byte('X'), b.String()[0])

	_, err = gomoku.ParseBoard("...")
	assert.Error(t, err)

	bad := []byte(b.String())
	bad[3] = 'Z'
	_, err = gomoku.ParseBoard(string(bad))
	assert.Error(t, err)
}
