// Package store 實現房間狀態在 Redis 上的分散式持久化
//
// 共享儲存是唯一的事實來源：任何節點的記憶體快取都能由此重建。
// 棋盤快照以 CAS 協議（WATCH/MULTI/EXEC）更新；其餘資料採用最後寫入者勝。
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options 儲存配置
type Options struct {
	RoomTTL     time.Duration // 房間所有投影的 TTL
	SeatLockTTL time.Duration // 搶座鎖 TTL
}

// Store 聚合房間相關的各個倉庫
type Store struct {
	Rooms   *RoomRepository
	Games   *GameStateRepository
	Turns   *TurnRepository
	Ongoing *OngoingTracker

	client *redis.Client
}

// New 創建儲存
func New(client *redis.Client, opts Options, logger *slog.Logger) *Store {
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = 48 * time.Hour
	}
	if opts.SeatLockTTL <= 0 {
		opts.SeatLockTTL = 2 * time.Minute
	}
	return &Store{
		Rooms:   NewRoomRepository(client, opts.RoomTTL, opts.SeatLockTTL, logger),
		Games:   NewGameStateRepository(client, opts.RoomTTL, logger),
		Turns:   NewTurnRepository(client, opts.RoomTTL),
		Ongoing: NewOngoingTracker(client, opts.RoomTTL),
		client:  client,
	}
}

// Ping 檢查 Redis 連線
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// DestroyRoom 刪除房間的所有投影
func (s *Store) DestroyRoom(ctx context.Context, roomID string) error {
	if err := s.Games.DeleteAll(ctx, roomID); err != nil {
		return err
	}
	return s.Rooms.DeleteRoom(ctx, roomID)
}
