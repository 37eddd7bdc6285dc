package countdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// State 持久化的倒數狀態
type State struct {
	Key             string `json:"key"`
	Owner           string `json:"owner"`
	Version         string `json:"version"`
	DeadlineEpochMs int64  `json:"deadlineEpochMs"`
}

// Deadline 截止時間
func (s State) Deadline() time.Time {
	return time.UnixMilli(s.DeadlineEpochMs)
}

// Remaining 距離截止的剩餘時間，已過期為 0
func (s State) Remaining(now time.Time) time.Duration {
	left := s.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired 是否已過期
func (s State) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.DeadlineEpochMs
}

// Store 排程器需要的共享儲存能力
type Store interface {
	// Save 持久化狀態，任何節點都能接手
	Save(ctx context.Context, st State) error
	// Load 讀取狀態，不存在時返回 nil
	Load(ctx context.Context, key string) (*State, error)
	// Delete 只刪除狀態，保留持有鎖讓它自然過期
	Delete(ctx context.Context, key string) error
	// DeleteAll 刪除狀態與持有鎖
	DeleteAll(ctx context.Context, key string) error
	// TryAcquire 以 set-if-absent + 短 TTL 取得觸發權
	TryAcquire(ctx context.Context, key, holder string) (bool, error)
	// Release 僅在持有者相符時釋放持有鎖
	Release(ctx context.Context, key, holder string) error
	// Scan 列出所有持久化的狀態
	Scan(ctx context.Context) ([]State, error)
}

// RedisStore 基於 Redis 的 Store
//
//	{prefix}{key}          倒數狀態（JSON）
//	{prefix}holder:{key}   持有鎖（SET NX PX）
type RedisStore struct {
	client   *redis.Client
	prefix   string
	stateTTL time.Duration
	leaseTTL time.Duration
}

// NewRedisStore 創建 Redis Store
func NewRedisStore(client *redis.Client, prefix string, stateTTL, leaseTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "countdown:"
	}
	if stateTTL <= 0 {
		stateTTL = 24 * time.Hour
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Second
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		stateTTL: stateTTL,
		leaseTTL: leaseTTL,
	}
}

// StateKey 狀態的 Redis key
func (s *RedisStore) StateKey(key string) string {
	return s.prefix + key
}

// HolderKey 持有鎖的 Redis key
func (s *RedisStore) HolderKey(key string) string {
	return s.prefix + "holder:" + key
}

// Save 實現 Store
func (s *RedisStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal countdown state: %w", err)
	}

	// 至少保留到截止後一個租約週期，讓延遲的節點仍能讀到
	ttl := s.stateTTL
	if untilDeadline := time.Until(st.Deadline()) + s.leaseTTL; untilDeadline > ttl {
		ttl = untilDeadline
	}
	if err := s.client.Set(ctx, s.StateKey(st.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("save countdown state: %w", err)
	}
	return nil
}

// Load 實現 Store
func (s *RedisStore) Load(ctx context.Context, key string) (*State, error) {
	return s.loadRaw(ctx, s.StateKey(key))
}

func (s *RedisStore) loadRaw(ctx context.Context, redisKey string) (*State, error) {
	data, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load countdown state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal countdown state: %w", err)
	}
	return &st, nil
}

// Delete 實現 Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.StateKey(key)).Err(); err != nil {
		return fmt.Errorf("delete countdown state: %w", err)
	}
	return nil
}

// DeleteAll 實現 Store
func (s *RedisStore) DeleteAll(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.StateKey(key), s.HolderKey(key)).Err(); err != nil {
		return fmt.Errorf("delete countdown: %w", err)
	}
	return nil
}

// TryAcquire 實現 Store
func (s *RedisStore) TryAcquire(ctx context.Context, key, holder string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.HolderKey(key), holder, s.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire countdown lease: %w", err)
	}
	return ok, nil
}

// releaseScript 只刪除自己持有的鎖
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release 實現 Store
func (s *RedisStore) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.HolderKey(key)}, holder).Err(); err != nil {
		return fmt.Errorf("release countdown lease: %w", err)
	}
	return nil
}

// Scan 實現 Store，持有鎖不在結果中
func (s *RedisStore) Scan(ctx context.Context) ([]State, error) {
	holderPrefix := s.prefix + "holder:"

	var (
		states []State
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan countdown states: %w", err)
		}
		for _, k := range keys {
			if strings.HasPrefix(k, holderPrefix) {
				continue
			}
			st, err := s.loadRaw(ctx, k)
			if err != nil {
				return nil, err
			}
			if st != nil {
				states = append(states, *st)
			}
		}
		cursor = next
		if cursor == 0 {
			return states, nil
		}
	}
}
