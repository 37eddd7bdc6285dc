// Package broadcast 將房間事件推送給客戶端與其他節點
//
// 事件是「發出即忘」：核心邏輯不等待確認，也不保證恰好一次送達。
// 斷線重連的客戶端應透過 SNAPSHOT 重建完整狀態。
package broadcast

import (
	"context"
	"encoding/json"
	"time"
)

// EventType 事件類型
type EventType string

const (
	// EventTick 倒數剩餘時間
	EventTick EventType = "TICK"
	// EventTimeout 超時判負
	EventTimeout EventType = "TIMEOUT"
	// EventState 棋盤狀態更新
	EventState EventType = "STATE"
	// EventSnapshot 完整房間快照
	EventSnapshot EventType = "SNAPSHOT"
	// EventSeat 座位變更
	EventSeat EventType = "SEAT"
	// EventReady 準備狀態變更
	EventReady EventType = "READY"
	// EventPhase 房間階段變更
	EventPhase EventType = "PHASE"
	// EventRoomClosed 房間已關閉
	EventRoomClosed EventType = "ROOM_CLOSED"
)

// Event 房間事件
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"` // 產生事件的節點
	Timestamp int64           `json:"ts"`
}

// NewEvent 創建事件，payload 以 JSON 編碼
func NewEvent(typ EventType, roomID string, payload any) Event {
	ev := Event{
		Type:      typ,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Decode 解碼 payload
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Sink 事件接收端
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout 依序發布到多個 Sink
type Fanout []Sink

// Publish 實現 Sink
func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, s := range f {
		s.Publish(ctx, ev)
	}
}

// Nop 丟棄所有事件
type Nop struct{}

// Publish 實現 Sink
func (Nop) Publish(context.Context, Event) {}

// TickPayload 倒數事件內容
type TickPayload struct {
	Left            int    `json:"left"` // 剩餘秒數
	Side            string `json:"side"`
	DeadlineEpochMs int64  `json:"deadlineEpochMs"`
}

// TimeoutPayload 超時事件內容
type TimeoutPayload struct {
	Side string `json:"side"`
}

// SeatPayload 座位事件內容
type SeatPayload struct {
	UserID string `json:"userId"`
	Side   string `json:"side"`
}

// ReadyPayload 準備事件內容
type ReadyPayload struct {
	UserID string `json:"userId"`
	Ready  bool   `json:"ready"`
}

// PhasePayload 階段事件內容
type PhasePayload struct {
	Phase string `json:"phase"`
}
