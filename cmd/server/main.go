// Package main 五子棋房間引擎啟動入口
//
// 啟動順序：配置 → 日誌 → Redis → (PostgreSQL) → 廣播 → 倒數排程 → 房間服務 → HTTP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/archive"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/config"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/countdown"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/room"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/store"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔路徑")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gomoku-room-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 配置與日誌
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.NewString()
	}
	log = log.With("node_id", cfg.Server.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Redis：房間狀態的權威來源
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Info("redis connected", "addr", cfg.Redis.Addr)

	// 3. PostgreSQL 歸檔（可選）
	var archiver room.Archiver
	if cfg.Postgres.Enabled {
		pool, err := openArchive(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		archiver = archive.NewStore(pool, log)
	}

	// 4. 廣播：本地 Hub，啟用 NATS 時經由橋接跨節點轉發
	hub := broadcast.NewHub(log)
	defer hub.Stop()

	var sink broadcast.Sink = hub
	if cfg.NATS.Enabled {
		nc, err := broadcast.ConnectNATS(broadcast.NATSOptions{
			URL:           cfg.NATS.URL,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return err
		}
		bridge := broadcast.NewNATSBridge(nc, cfg.NATS.SubjectPrefix, cfg.Server.NodeID, hub, log)
		if err := bridge.Start(); err != nil {
			nc.Close()
			return err
		}
		defer func() {
			if err := bridge.Close(); err != nil {
				log.Warn("nats bridge close failed", "error", err)
			}
		}()
		sink = bridge
	}

	// 5. 倒數排程與房間服務
	scheduler := countdown.New(
		countdown.NewRedisStore(client, cfg.Countdown.KeyPrefix, cfg.Countdown.StateTTL, cfg.Countdown.LeaseTTL),
		countdown.Options{
			NodeID:       cfg.Server.NodeID,
			TickInterval: cfg.Countdown.TickInterval,
		},
		log,
	)
	defer scheduler.Close()

	st := store.New(client, store.Options{
		RoomTTL:     cfg.Game.RoomTTL,
		SeatLockTTL: cfg.Game.SeatLockTTL,
	}, log)
	clock := room.NewTurnClock(scheduler, sink, room.ClockOptions{
		TurnDuration: cfg.TurnDuration(),
		AITimed:      cfg.Game.AITimed,
	}, log)
	svc := room.NewService(st, clock, sink, archiver, room.Options{
		AIDepth:      cfg.Game.AIDepth,
		AIDelay:      cfg.Game.AIDelay,
		RequireStart: cfg.Game.RequireStart,
	}, log)
	defer svc.Close()

	// 接手其他節點遺留的倒數與 AI 回合
	if _, err := clock.OnReady(ctx); err != nil {
		return fmt.Errorf("restore countdowns: %w", err)
	}
	if _, err := svc.RecoverAIIntents(ctx); err != nil {
		log.Warn("recover ai intents failed", "error", err)
	}

	// 6. HTTP
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      room.NewHandler(svc, hub, log).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

// openArchive 連接 PostgreSQL 並執行遷移
func openArchive(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	migrator, err := archive.NewMigrator(dsn, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			log.Warn("close migrator failed", "error", err)
		}
	}()
	if err := migrator.Up(); err != nil {
		return nil, err
	}

	pool, err := archive.Connect(ctx, dsn, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		return nil, err
	}
	log.Info("archive enabled", "host", cfg.Postgres.Host, "db", cfg.Postgres.DBName)
	return pool, nil
}
