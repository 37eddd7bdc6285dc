// Package errors 提供五子棋房間引擎的錯誤分類
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeIllegalMove 非法落子（非本方回合、座標越界或已佔用、禁手）
	ErrCodeIllegalMove = "ILLEGAL_MOVE"
	// ErrCodeSeatConflict 座位已被其他使用者佔用
	ErrCodeSeatConflict = "SEAT_CONFLICT"
	// ErrCodeStaleWrite CAS 前置條件失敗，已有其他寫入者推進了棋局
	ErrCodeStaleWrite = "STALE_WRITE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodePermissionDenied 權限不足
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	// ErrCodeInvalidState 房間狀態不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，同錯誤碼即視為相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本，預定義錯誤不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeRoomNotFound, "room not found")

	// ErrIllegalMove 座標越界或已被佔用
	ErrIllegalMove = New(ErrCodeIllegalMove, "illegal move")

	// ErrNotYourTurn 非本方回合
	ErrNotYourTurn = New(ErrCodeIllegalMove, "not your turn")

	// ErrForbiddenMove 黑方禁手（RENJU）
	ErrForbiddenMove = New(ErrCodeIllegalMove, "forbidden move for black")

	// ErrGameOver 棋局已結束
	ErrGameOver = New(ErrCodeIllegalMove, "game is over")

	// ErrSeatConflict 座位已被佔用
	ErrSeatConflict = New(ErrCodeSeatConflict, "seat already taken")

	// ErrRoomFull 房間已滿
	ErrRoomFull = New(ErrCodeSeatConflict, "room is full")

	// ErrStaleWrite CAS 失敗
	ErrStaleWrite = New(ErrCodeStaleWrite, "game state advanced by another writer")

	// ErrNotOwner 僅房主可操作
	ErrNotOwner = New(ErrCodePermissionDenied, "only the room owner can do this")

	// ErrGameNotStarted 房間仍在等待開始
	ErrGameNotStarted = New(ErrCodeInvalidState, "game not started")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrNotSeated 用戶在房間內沒有座位
	ErrNotSeated = New(ErrCodePermissionDenied, "user has no seat in this room")

	// ErrGameInProgress 對局進行中不允許此操作
	ErrGameInProgress = New(ErrCodeInvalidState, "game in progress")

	// ErrPlayersNotReady 開局條件未滿足
	ErrPlayersNotReady = New(ErrCodeInvalidState, "players are not ready")

	// ErrRedisUnavailable Redis 不可用
	ErrRedisUnavailable = New(ErrCodeUnavailable, "redis service unavailable")

	// ErrArchiveDisabled 未啟用對局歸檔
	ErrArchiveDisabled = New(ErrCodeUnavailable, "game archive is disabled")
)

// codeOf 取出錯誤碼，非 AppError 返回空字串
func codeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	return codeOf(err) == ErrCodeRoomNotFound
}

// IsIllegalMove 檢查是否為非法落子錯誤
func IsIllegalMove(err error) bool {
	return codeOf(err) == ErrCodeIllegalMove
}

// IsSeatConflict 檢查是否為座位衝突錯誤
func IsSeatConflict(err error) bool {
	return codeOf(err) == ErrCodeSeatConflict
}

// IsStaleWrite 檢查是否為 CAS 失敗
//
// 呼叫端應靜默丟棄自己的結果，不向客戶端廣播。
func IsStaleWrite(err error) bool {
	return codeOf(err) == ErrCodeStaleWrite
}

// HTTPStatus 將錯誤碼映射為 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch codeOf(err) {
	case ErrCodeRoomNotFound:
		return http.StatusNotFound
	case ErrCodeIllegalMove, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeSeatConflict, ErrCodeStaleWrite, ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
