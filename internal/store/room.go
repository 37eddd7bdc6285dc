package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript 只在 value 仍屬於呼叫者時刪除
//
// KEYS[1]: 目標 key
// ARGV[1]: 預期的 value
//
// 返回值：
//
//	1: 已刪除
//	0: value 不符或不存在
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RoomRepository 房間 meta、座位、令牌、比分、大廳索引與 AI 意圖
//
// 這些資料不參與落子順序的競爭，採用最後寫入者勝。
type RoomRepository struct {
	client      *redis.Client
	ttl         time.Duration
	seatLockTTL time.Duration
	logger      *slog.Logger
}

// NewRoomRepository 創建房間倉庫
func NewRoomRepository(client *redis.Client, ttl, seatLockTTL time.Duration, logger *slog.Logger) *RoomRepository {
	return &RoomRepository{
		client:      client,
		ttl:         ttl,
		seatLockTTL: seatLockTTL,
		logger:      logger,
	}
}

// SaveMeta 寫入房間 meta 並刷新 TTL
func (r *RoomRepository) SaveMeta(ctx context.Context, meta *RoomMeta) error {
	return r.setJSON(ctx, RoomKey(meta.RoomID), meta)
}

// GetMeta 讀取房間 meta，不存在時返回 ErrRoomNotFound
func (r *RoomRepository) GetMeta(ctx context.Context, roomID string) (*RoomMeta, error) {
	var meta RoomMeta
	found, err := r.getJSON(ctx, RoomKey(roomID), &meta)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return &meta, nil
}

// Exists 房間是否存在
func (r *RoomRepository) Exists(ctx context.Context, roomID string) (bool, error) {
	n, err := r.client.Exists(ctx, RoomKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("check room exists: %w", err)
	}
	return n > 0, nil
}

// SaveSeats 寫入座位綁定
func (r *RoomRepository) SaveSeats(ctx context.Context, roomID string, seats *SeatsBinding) error {
	return r.setJSON(ctx, SeatsKey(roomID), seats)
}

// GetSeats 讀取座位綁定，不存在時返回空綁定
func (r *RoomRepository) GetSeats(ctx context.Context, roomID string) (*SeatsBinding, error) {
	seats := NewSeatsBinding()
	if _, err := r.getJSON(ctx, SeatsKey(roomID), seats); err != nil {
		return nil, err
	}
	normalizeSeats(seats)
	return seats, nil
}

// maxSeatUpdateAttempts UpdateSeats 在 WATCH 衝突時的最大嘗試次數
const maxSeatUpdateAttempts = 8

// UpdateSeats 以 WATCH/MULTI 讀改寫座位綁定
//
// fn 返回錯誤時放棄寫入並原樣返回該錯誤；並發修改導致 EXEC 失敗時重新讀取再套用 fn。
func (r *RoomRepository) UpdateSeats(ctx context.Context, roomID string, fn func(*SeatsBinding) error) (*SeatsBinding, error) {
	key := SeatsKey(roomID)

	var result *SeatsBinding
	txf := func(tx *redis.Tx) error {
		seats := NewSeatsBinding()
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("get seats: %w", err)
		default:
			if err := json.Unmarshal(data, seats); err != nil {
				return fmt.Errorf("unmarshal seats: %w", err)
			}
			normalizeSeats(seats)
		}

		if err := fn(seats); err != nil {
			return err
		}

		out, err := json.Marshal(seats)
		if err != nil {
			return fmt.Errorf("marshal seats: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		if err == nil {
			result = seats
		}
		return err
	}

	for attempt := 0; attempt < maxSeatUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		r.logger.DebugContext(ctx, "seats update conflict, retrying", "room_id", roomID, "attempt", attempt+1)
	}
	return nil, apperrors.ErrStaleWrite.WithDetails("seats of room " + roomID)
}

func normalizeSeats(seats *SeatsBinding) {
	if seats.SeatBySession == nil {
		seats.SeatBySession = make(map[string]gomoku.Piece)
	}
	if seats.ReadyByUserID == nil {
		seats.ReadyByUserID = make(map[string]bool)
	}
}

// PutSeatKeyIfAbsent 首次寫入座位令牌（SET NX），已存在時返回 false
func (r *RoomRepository) PutSeatKeyIfAbsent(ctx context.Context, roomID, seatKey string, binding *SeatKeyBinding) (bool, error) {
	data, err := json.Marshal(binding)
	if err != nil {
		return false, fmt.Errorf("marshal seat key: %w", err)
	}
	ok, err := r.client.SetNX(ctx, SeatKeyKey(roomID, seatKey), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("put seat key: %w", err)
	}
	return ok, nil
}

// GetSeatKey 解析座位令牌，不存在時返回 nil
func (r *RoomRepository) GetSeatKey(ctx context.Context, roomID, seatKey string) (*SeatKeyBinding, error) {
	var binding SeatKeyBinding
	found, err := r.getJSON(ctx, SeatKeyKey(roomID, seatKey), &binding)
	if err != nil || !found {
		return nil, err
	}
	return &binding, nil
}

// AcquireSeatLock 取得搶座鎖，同一用戶可重入
func (r *RoomRepository) AcquireSeatLock(ctx context.Context, roomID string, side gomoku.Piece, userID string) (bool, error) {
	key := SeatLockKey(roomID, side)
	ok, err := r.client.SetNX(ctx, key, userID, r.seatLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire seat lock: %w", err)
	}
	if ok {
		return true, nil
	}

	holder, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// 鎖剛好過期，再試一次
		return r.client.SetNX(ctx, key, userID, r.seatLockTTL).Result()
	}
	if err != nil {
		return false, fmt.Errorf("read seat lock: %w", err)
	}
	return holder == userID, nil
}

// ReleaseSeatLock 釋放自己持有的搶座鎖
func (r *RoomRepository) ReleaseSeatLock(ctx context.Context, roomID string, side gomoku.Piece, userID string) error {
	if err := compareAndDeleteScript.Run(ctx, r.client, []string{SeatLockKey(roomID, side)}, userID).Err(); err != nil {
		return fmt.Errorf("release seat lock: %w", err)
	}
	return nil
}

// IncrSeries 記錄一盤結果，winner 為 Empty 表示和棋
func (r *RoomRepository) IncrSeries(ctx context.Context, roomID string, winner gomoku.Piece) (SeriesView, error) {
	field := "draws"
	switch winner {
	case gomoku.Black:
		field = "blackWins"
	case gomoku.White:
		field = "whiteWins"
	}

	key := SeriesKey(roomID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "round", 1)
		pipe.HIncrBy(ctx, key, field, 1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return SeriesView{}, fmt.Errorf("incr series: %w", err)
	}
	return r.GetSeries(ctx, roomID)
}

// GetSeries 讀取比分，不存在時全為 0
func (r *RoomRepository) GetSeries(ctx context.Context, roomID string) (SeriesView, error) {
	fields, err := r.client.HGetAll(ctx, SeriesKey(roomID)).Result()
	if err != nil {
		return SeriesView{}, fmt.Errorf("get series: %w", err)
	}
	atoi := func(k string) int {
		n, _ := strconv.Atoi(fields[k])
		return n
	}
	return SeriesView{
		Round:     atoi("round"),
		BlackWins: atoi("blackWins"),
		WhiteWins: atoi("whiteWins"),
		Draws:     atoi("draws"),
	}, nil
}

// ResetSeries 清空比分
func (r *RoomRepository) ResetSeries(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, SeriesKey(roomID)).Err(); err != nil {
		return fmt.Errorf("reset series: %w", err)
	}
	return nil
}

// AddToIndex 加入大廳索引
func (r *RoomRepository) AddToIndex(ctx context.Context, roomID string, createdAt time.Time) error {
	err := r.client.ZAdd(ctx, RoomIndexKey, redis.Z{
		Score:  float64(createdAt.UnixMilli()),
		Member: roomID,
	}).Err()
	if err != nil {
		return fmt.Errorf("add room to index: %w", err)
	}
	return nil
}

// ListRooms 依建立時間由新到舊列出房間
func (r *RoomRepository) ListRooms(ctx context.Context, offset, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, RoomIndexKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return ids, nil
}

// RemoveFromIndex 移出大廳索引
func (r *RoomRepository) RemoveFromIndex(ctx context.Context, roomID string) error {
	if err := r.client.ZRem(ctx, RoomIndexKey, roomID).Err(); err != nil {
		return fmt.Errorf("remove room from index: %w", err)
	}
	return nil
}

// SaveAIIntent 記錄待執行的 AI 落子
func (r *RoomRepository) SaveAIIntent(ctx context.Context, intent *AIIntent) error {
	return r.setJSON(ctx, AIPendingKey(intent.RoomID), intent)
}

// GetAIIntent 讀取 AI 意圖，不存在時返回 nil
func (r *RoomRepository) GetAIIntent(ctx context.Context, roomID string) (*AIIntent, error) {
	var intent AIIntent
	found, err := r.getJSON(ctx, AIPendingKey(roomID), &intent)
	if err != nil || !found {
		return nil, err
	}
	return &intent, nil
}

// DeleteAIIntent 刪除 AI 意圖
func (r *RoomRepository) DeleteAIIntent(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, AIPendingKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete ai intent: %w", err)
	}
	return nil
}

// ScanAIIntents 列出所有房間的 AI 意圖
func (r *RoomRepository) ScanAIIntents(ctx context.Context) ([]*AIIntent, error) {
	keys, err := scanKeys(ctx, r.client, aiPendingPattern)
	if err != nil {
		return nil, err
	}

	intents := make([]*AIIntent, 0, len(keys))
	for _, key := range keys {
		var intent AIIntent
		found, err := r.getJSON(ctx, key, &intent)
		if err != nil {
			r.logger.WarnContext(ctx, "skip unreadable ai intent", "key", key, "error", err)
			continue
		}
		if found {
			intents = append(intents, &intent)
		}
	}
	return intents, nil
}

// DeleteRoom 刪除房間的所有投影（快照除外，由 GameStateRepository.DeleteAll 負責）
func (r *RoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	seatKeys, err := scanKeys(ctx, r.client, RoomKey(roomID)+":seatKey:*")
	if err != nil {
		return err
	}

	keys := append([]string{
		RoomKey(roomID),
		SeatsKey(roomID),
		SeriesKey(roomID),
		TurnKey(roomID),
		AIPendingKey(roomID),
		SeatLockKey(roomID, gomoku.Black),
		SeatLockKey(roomID, gomoku.White),
	}, seatKeys...)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, RoomIndexKey, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func (r *RoomRepository) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// getJSON 讀取並解碼，key 不存在時返回 false
func (r *RoomRepository) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// OngoingTracker 記錄用戶進行中的房間，用於「繼續對局」
type OngoingTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOngoingTracker 創建追蹤器
func NewOngoingTracker(client *redis.Client, ttl time.Duration) *OngoingTracker {
	return &OngoingTracker{client: client, ttl: ttl}
}

// Set 記錄用戶所在房間
func (o *OngoingTracker) Set(ctx context.Context, userID, roomID string) error {
	if userID == "" {
		return nil
	}
	if err := o.client.Set(ctx, OngoingKey(userID), roomID, o.ttl).Err(); err != nil {
		return fmt.Errorf("set ongoing room: %w", err)
	}
	return nil
}

// Get 讀取用戶所在房間，沒有時返回空字串
func (o *OngoingTracker) Get(ctx context.Context, userID string) (string, error) {
	roomID, err := o.client.Get(ctx, OngoingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ongoing room: %w", err)
	}
	return roomID, nil
}

// Clear 只在記錄仍指向 roomID 時清除
func (o *OngoingTracker) Clear(ctx context.Context, userID, roomID string) error {
	if userID == "" {
		return nil
	}
	if err := compareAndDeleteScript.Run(ctx, o.client, []string{OngoingKey(userID)}, roomID).Err(); err != nil {
		return fmt.Errorf("clear ongoing room: %w", err)
	}
	return nil
}
