package store

import "github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"

// Redis key 佈局
//
//	gomoku:room:{id}                       房間 meta（JSON）
//	gomoku:room:{id}:seats                 座位綁定（JSON）
//	gomoku:room:{id}:seatKey:{key}         一次性座位令牌
//	gomoku:room:{id}:seatLock:{X|O}        搶座鎖
//	gomoku:room:{id}:game:{gameId}:state   棋盤快照（CAS 目標）
//	gomoku:room:{id}:turn                  回合錨點
//	gomoku:room:{id}:ai:pending            待執行的 AI 落子
//	gomoku:room:{id}:series                系列賽比分（hash）
//	gomoku:rooms:index                     大廳索引（zset，score 為建立時間）
//	gomoku:user:{uid}:ongoing              用戶進行中的房間
const keyPrefix = "gomoku:"

// RoomKey 房間 meta
func RoomKey(roomID string) string {
	return keyPrefix + "room:" + roomID
}

// SeatsKey 座位綁定
func SeatsKey(roomID string) string {
	return RoomKey(roomID) + ":seats"
}

// SeatKeyKey 一次性座位令牌
func SeatKeyKey(roomID, seatKey string) string {
	return RoomKey(roomID) + ":seatKey:" + seatKey
}

// SeatLockKey 搶座鎖
func SeatLockKey(roomID string, side gomoku.Piece) string {
	return RoomKey(roomID) + ":seatLock:" + side.String()
}

// GameStateKey 棋盤快照
func GameStateKey(roomID, gameID string) string {
	return RoomKey(roomID) + ":game:" + gameID + ":state"
}

// TurnKey 回合錨點
func TurnKey(roomID string) string {
	return RoomKey(roomID) + ":turn"
}

// AIPendingKey 待執行的 AI 落子
func AIPendingKey(roomID string) string {
	return RoomKey(roomID) + ":ai:pending"
}

// SeriesKey 系列賽比分
func SeriesKey(roomID string) string {
	return RoomKey(roomID) + ":series"
}

// RoomIndexKey 大廳索引
const RoomIndexKey = keyPrefix + "rooms:index"

// OngoingKey 用戶進行中的房間
func OngoingKey(userID string) string {
	return keyPrefix + "user:" + userID + ":ongoing"
}

const aiPendingPattern = keyPrefix + "room:*:ai:pending"
