// Package archive 將結束的對局寫入 PostgreSQL
//
// Redis 中的棋盤只保留到房間過期；歷史對局需要長期保存時由這裡落地。
// 寫入是盡力而為：失敗只記錄日誌，不影響對局本身。
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// 結束原因
const (
	ReasonFive    = "FIVE"
	ReasonDraw    = "DRAW"
	ReasonResign  = "RESIGN"
	ReasonTimeout = "TIMEOUT"
)

// GameResult 一盤結束的對局
type GameResult struct {
	ID          int64     `db:"id" json:"id"`
	RoomID      string    `db:"room_id" json:"roomId"`
	GameID      string    `db:"game_id" json:"gameId"`
	GameIndex   int32     `db:"game_index" json:"index"`
	Mode        string    `db:"mode" json:"mode"`
	Rule        string    `db:"rule" json:"rule"`
	Winner      string    `db:"winner" json:"winner"` // X / O / DRAW
	Reason      string    `db:"reason" json:"reason"`
	Steps       int64     `db:"steps" json:"steps"`
	BlackUserID string    `db:"black_user_id" json:"blackUserId"`
	WhiteUserID string    `db:"white_user_id" json:"whiteUserId"`
	Board       string    `db:"board" json:"board"`
	FinishedAt  time.Time `db:"finished_at" json:"finishedAt"`
}

// Store 對局歸檔
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore 創建歸檔存儲
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Connect 建立連接池並確認可用
func Connect(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	if minConns > 0 {
		config.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// RecordResult 寫入結果，同一盤重複寫入會被忽略
func (s *Store) RecordResult(ctx context.Context, r GameResult) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}

	const query = `
		INSERT INTO game_results
			(room_id, game_id, game_index, mode, rule, winner, reason, steps,
			 black_user_id, white_user_id, board, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (room_id, game_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		r.RoomID, r.GameID, r.GameIndex, r.Mode, r.Rule, r.Winner, r.Reason, r.Steps,
		r.BlackUserID, r.WhiteUserID, r.Board, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert game result: %w", err)
	}

	s.logger.DebugContext(ctx, "game archived",
		"room_id", r.RoomID,
		"game_id", r.GameID,
		"winner", r.Winner,
		"reason", r.Reason,
		"inserted", tag.RowsAffected() == 1,
	)
	return nil
}

// History 房間最近的對局，新的在前
func (s *Store) History(ctx context.Context, roomID string, limit int) ([]GameResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	const query = `
		SELECT id, room_id, game_id, game_index, mode, rule, winner, reason, steps,
		       black_user_id, white_user_id, board, finished_at
		FROM game_results
		WHERE room_id = $1
		ORDER BY finished_at DESC, id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query game history: %w", err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowToStructByName[GameResult])
	if err != nil {
		return nil, fmt.Errorf("scan game history: %w", err)
	}
	return results, nil
}
