package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// errPrecondition 快照的 step 或 mover 與預期不符
var errPrecondition = errors.New("cas precondition failed")

// GameStateRepository 棋盤快照與 CAS 寫入
//
// 系統設計問題：
//
//	多個節點同時提交落子、AI 落子、超時認輸，如何保證同一步只有一個寫入者成功？
//
// 核心挑戰：
//  1. 讀取、比對、寫入必須是不可分割的操作
//  2. 快照與回合錨點必須一起更新，不能只寫一半
//  3. 失敗方不應自動重試，否則會覆蓋它沒看過的狀態
//
// 設計方案：
//
//	✅ WATCH 快照 key → GET 比對 step 與 mover → MULTI/EXEC 同時寫快照與錨點
//	✅ 任何在 WATCH 之後的寫入都會讓 EXEC 失敗（redis.TxFailedErr）
//	✅ 比對失敗與 EXEC 失敗都返回 false，由呼叫端丟棄自己的結果
type GameStateRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewGameStateRepository 創建快照倉庫
func NewGameStateRepository(client *redis.Client, ttl time.Duration, logger *slog.Logger) *GameStateRepository {
	return &GameStateRepository{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Save 直接覆寫快照（僅用於新盤的初始寫入）
func (r *GameStateRepository) Save(ctx context.Context, rec *GameStateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}
	if err := r.client.Set(ctx, GameStateKey(rec.RoomID, rec.GameID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save game state: %w", err)
	}
	return nil
}

// Get 讀取快照，不存在時返回 ErrRoomNotFound
func (r *GameStateRepository) Get(ctx context.Context, roomID, gameID string) (*GameStateRecord, error) {
	return getGameState(ctx, r.client, roomID, gameID)
}

// stringGetter 同時適用於 *redis.Client 與 WATCH 中的 *redis.Tx
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getGameState(ctx context.Context, c stringGetter, roomID, gameID string) (*GameStateRecord, error) {
	data, err := c.Get(ctx, GameStateKey(roomID, gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrRoomNotFound.WithDetails("game " + gameID + " of room " + roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}

	var rec GameStateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal game state: %w", err)
	}
	return &rec, nil
}

// UpdateAtomically 以 CAS 寫入新快照與回合錨點
//
// 只有當儲存中的 step == expectedStep 且 current == expectedMover 時才寫入。
// 新快照已結束時刪除錨點，否則寫入 {side: next.Current, deadline, turnSeq: next.Step}。
// 前置條件不符或被並發寫入搶先時返回 (false, nil)。
func (r *GameStateRepository) UpdateAtomically(
	ctx context.Context,
	expectedStep int64,
	expectedMover gomoku.Piece,
	next *GameStateRecord,
	deadlineEpochMs int64,
) (bool, error) {
	stateKey := GameStateKey(next.RoomID, next.GameID)
	turnKey := TurnKey(next.RoomID)

	nextData, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal game state: %w", err)
	}
	var anchorData []byte
	if !next.Over {
		anchorData, err = json.Marshal(&TurnAnchor{
			RoomID:          next.RoomID,
			GameID:          next.GameID,
			Side:            next.Current,
			DeadlineEpochMs: deadlineEpochMs,
			TurnSeq:         next.Step,
		})
		if err != nil {
			return false, fmt.Errorf("marshal turn anchor: %w", err)
		}
	}

	txf := func(tx *redis.Tx) error {
		cur, err := getGameState(ctx, tx, next.RoomID, next.GameID)
		if err != nil {
			if apperrors.IsRoomNotFound(err) {
				return errPrecondition
			}
			return err
		}
		if cur.Step != expectedStep || cur.Current != expectedMover {
			return errPrecondition
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, nextData, r.ttl)
			if anchorData == nil {
				pipe.Del(ctx, turnKey)
			} else {
				pipe.Set(ctx, turnKey, anchorData, r.ttl)
			}
			return nil
		})
		return err
	}

	err = r.client.Watch(ctx, txf, stateKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errPrecondition), errors.Is(err, redis.TxFailedErr):
		r.logger.DebugContext(ctx, "cas rejected",
			"room_id", next.RoomID,
			"game_id", next.GameID,
			"expected_step", expectedStep,
			"expected_mover", expectedMover.String(),
			"reason", err.Error(),
		)
		return false, nil
	default:
		return false, fmt.Errorf("cas update game state: %w", err)
	}
}

// DeleteAll 刪除房間所有盤的快照
func (r *GameStateRepository) DeleteAll(ctx context.Context, roomID string) error {
	keys, err := scanKeys(ctx, r.client, RoomKey(roomID)+":game:*:state")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete game states: %w", err)
	}
	return nil
}

// TurnRepository 回合錨點
type TurnRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTurnRepository 創建錨點倉庫
func NewTurnRepository(client *redis.Client, ttl time.Duration) *TurnRepository {
	return &TurnRepository{client: client, ttl: ttl}
}

// Get 讀取錨點，不存在時返回 nil
func (r *TurnRepository) Get(ctx context.Context, roomID string) (*TurnAnchor, error) {
	data, err := r.client.Get(ctx, TurnKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get turn anchor: %w", err)
	}
	var anchor TurnAnchor
	if err := json.Unmarshal(data, &anchor); err != nil {
		return nil, fmt.Errorf("unmarshal turn anchor: %w", err)
	}
	return &anchor, nil
}

// Save 覆寫錨點（開新盤時使用，落子一律走 CAS）
func (r *TurnRepository) Save(ctx context.Context, anchor *TurnAnchor) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("marshal turn anchor: %w", err)
	}
	if err := r.client.Set(ctx, TurnKey(anchor.RoomID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save turn anchor: %w", err)
	}
	return nil
}

// Delete 刪除錨點
func (r *TurnRepository) Delete(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, TurnKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete turn anchor: %w", err)
	}
	return nil
}

// scanKeys 以 SCAN 收集符合 pattern 的 key
func scanKeys(ctx context.Context, c redis.Cmdable, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
