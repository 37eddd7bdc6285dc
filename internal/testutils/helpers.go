package testutils

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

// TestLogger 測試用日誌（丟棄輸出）
func TestLogger() *slog.Logger {
	return logger.Discard()
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// RunConcurrently 同時啟動 n 個 goroutine 執行 fn，並等待全部完成
func RunConcurrently(n int, fn func(worker int)) {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			fn(worker)
		}(i)
	}
	close(start)
	wg.Wait()
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數，userID 非空時帶上 X-User-ID
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = strings.NewReader(string(data))
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// Recorder 記錄所有廣播事件的 broadcast.Sink
type Recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

// NewRecorder 創建記錄器
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish 實現 broadcast.Sink
func (r *Recorder) Publish(_ context.Context, ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events 返回事件副本
func (r *Recorder) Events() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType 篩選指定類型的事件
func (r *Recorder) ByType(typ broadcast.EventType) []broadcast.Event {
	var out []broadcast.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Count 指定類型的事件數
func (r *Recorder) Count(typ broadcast.EventType) int {
	return len(r.ByType(typ))
}

// Reset 清空記錄
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
