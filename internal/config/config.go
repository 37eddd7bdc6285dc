// Package config 載入五子棋房間引擎的配置
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		NodeID          string        `yaml:"node_id"` // 節點標識，NATS 轉發時用於去重
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
		MaxReconnects int           `yaml:"max_reconnects"`
	} `yaml:"nats"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Game struct {
		TurnSeconds  int           `yaml:"turn_seconds"`  // 每手限時
		AITimed      bool          `yaml:"ai_timed"`      // AI 回合是否計時
		AIDepth      int           `yaml:"ai_depth"`      // 搜尋深度
		AIDelay      time.Duration `yaml:"ai_delay"`      // AI 落子前的延遲
		RoomTTL      time.Duration `yaml:"room_ttl"`      // 房間投影的過期時間
		SeatLockTTL  time.Duration `yaml:"seat_lock_ttl"` // 搶座鎖過期時間
		RequireStart bool          `yaml:"require_start"` // WAITING 階段是否拒絕落子
	} `yaml:"game"`

	Countdown struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		LeaseTTL     time.Duration `yaml:"lease_ttl"`
		StateTTL     time.Duration `yaml:"state_ttl"`
		KeyPrefix    string        `yaml:"key_prefix"`
	} `yaml:"countdown"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 返回所有欄位都有值的預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "gomoku.room"
	cfg.NATS.ReconnectWait = 2 * time.Second
	cfg.NATS.MaxReconnects = 10

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "password"
	cfg.Postgres.DBName = "gomoku"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Game.TurnSeconds = 30
	cfg.Game.AIDepth = 3
	cfg.Game.AIDelay = 300 * time.Millisecond
	cfg.Game.RoomTTL = 48 * time.Hour
	cfg.Game.SeatLockTTL = 2 * time.Minute

	cfg.Countdown.TickInterval = time.Second
	cfg.Countdown.LeaseTTL = 10 * time.Second
	cfg.Countdown.StateTTL = 24 * time.Hour
	cfg.Countdown.KeyPrefix = "countdown:"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 讀取 YAML 配置檔，未出現的欄位保留預設值，最後套用環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path 來自啟動參數
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 以環境變數覆蓋（生產環境常用）
func (c *Config) ApplyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		c.Server.NodeID = v
	}
	if os.Getenv("DATABASE_URL") != "" {
		c.Postgres.Enabled = true
	}
}

// Validate 檢查配置是否可用
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Game.TurnSeconds <= 0 {
		return fmt.Errorf("turn_seconds must be positive, got %d", c.Game.TurnSeconds)
	}
	if c.Countdown.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.Countdown.TickInterval)
	}
	if c.Countdown.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", c.Countdown.LeaseTTL)
	}
	return nil
}

// TurnDuration 每手限時
func (c *Config) TurnDuration() time.Duration {
	return time.Duration(c.Game.TurnSeconds) * time.Second
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
