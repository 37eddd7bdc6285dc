package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions NATS 連接配置
type NATSOptions struct {
	URL           string
	ReconnectWait time.Duration
	MaxReconnects int // -1 表示無限重連
}

// ConnectNATS 建立帶自動重連的 NATS 連接
func ConnectNATS(opts NATSOptions, logger *slog.Logger) (*nats.Conn, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name("gomoku-room-engine"),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSBridge 跨節點廣播
//
// 本節點產生的事件先送給本地 Sink，再帶上 Origin 發布到
// {prefix}.{roomID}；收到其他節點的事件時轉給本地 Sink。
// 自己發出的事件在訂閱端被忽略，避免重複推送。
type NATSBridge struct {
	conn   *nats.Conn
	prefix string
	nodeID string
	local  Sink
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewNATSBridge 創建橋接器
func NewNATSBridge(conn *nats.Conn, prefix, nodeID string, local Sink, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "gomoku.room"
	}
	return &NATSBridge{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		nodeID: nodeID,
		local:  local,
		logger: logger,
	}
}

// Subject 房間的 subject
func (b *NATSBridge) Subject(roomID string) string {
	return b.prefix + "." + roomID
}

// Start 訂閱所有房間的事件
func (b *NATSBridge) Start() error {
	sub, err := b.conn.Subscribe(b.prefix+".*", func(msg *nats.Msg) {
		b.deliver(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", b.prefix, err)
	}
	b.sub = sub
	b.logger.Info("nats bridge started", "subject", b.prefix+".*", "node_id", b.nodeID)
	return nil
}

// Publish 實現 Sink
func (b *NATSBridge) Publish(ctx context.Context, ev Event) {
	b.local.Publish(ctx, ev)

	ev.Origin = b.nodeID
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.ErrorContext(ctx, "marshal event failed", "type", ev.Type, "error", err)
		return
	}
	if err := b.conn.Publish(b.Subject(ev.RoomID), data); err != nil {
		b.logger.WarnContext(ctx, "nats publish failed",
			"room_id", ev.RoomID,
			"type", ev.Type,
			"error", err,
		)
	}
}

// deliver 處理遠端事件
func (b *NATSBridge) deliver(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Warn("discarding malformed event", "error", err)
		return
	}
	if ev.Origin == b.nodeID {
		return
	}
	b.local.Publish(context.Background(), ev)
}

// Close 取消訂閱並排空連接
func (b *NATSBridge) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("nats unsubscribe failed", "error", err)
		}
	}
	return b.conn.Drain()
}
