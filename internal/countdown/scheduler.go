// Package countdown 實現與業務無關的分散式倒數計時
//
// 系統設計問題：
//
//	每個節點都跑著相同的排程器，如何保證一個倒數只被一個節點觸發？
//
// 核心挑戰：
//  1. 任何節點都可能重新設定某個 key 的截止時間，本地快取不可信
//  2. 節點重啟後必須接手整個叢集中尚未結束的倒數
//  3. 搶到觸發權的節點可能在執行途中崩潰
//
// 設計方案：
//
//	✅ 截止時間持久化在共享儲存，每次 tick 都重新讀取
//	✅ 觸發前以 SET NX PX 取得短租約，只有贏家執行回調
//	✅ 租約自然過期而不主動刪除，崩潰的贏家不會永久卡住 key
//	✅ 啟動時 RestoreAllActive 掃描所有狀態，過期的立即觸發，未過期的恢復 tick
package countdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimeoutFunc 超時回調
type TimeoutFunc func(ctx context.Context, st State) error

// TickFunc tick 監聽器，left 為剩餘時間
type TickFunc func(ctx context.Context, st State, left time.Duration)

// Options 排程器配置
type Options struct {
	NodeID       string        // 租約持有者標識
	TickInterval time.Duration // tick 間隔，默認 1 秒
	CallTimeout  time.Duration // 單次回調的超時
}

// task 本地的週期任務
type task struct {
	cancel context.CancelFunc
}

// Scheduler 分散式倒數排程器
type Scheduler struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	tasks     map[string]*task
	listeners []TickFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 創建排程器
func New(store Store, opts Options, logger *slog.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.NodeID == "" {
		opts.NodeID = "local"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnTick 註冊 tick 監聽器
func (s *Scheduler) OnTick(fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// StartOrResume 設定 key 的倒數
//
// 先清除該 key 的本地任務、持久化狀態與持有鎖，再寫入新狀態。
// 本地任務的第一次 tick 立即執行：已過期時搶租約觸發後結束，否則週期性 tick。
func (s *Scheduler) StartOrResume(ctx context.Context, key, owner string, deadline time.Time, version string, onTimeout TimeoutFunc) error {
	if err := s.Stop(ctx, key); err != nil {
		return err
	}

	st := State{
		Key:             key,
		Owner:           owner,
		Version:         version,
		DeadlineEpochMs: deadline.UnixMilli(),
	}
	if err := s.store.Save(ctx, st); err != nil {
		return fmt.Errorf("start countdown %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "countdown scheduled",
		"key", key,
		"owner", owner,
		"version", version,
		"deadline", deadline.UnixMilli(),
	)
	s.startTask(key, onTimeout)
	return nil
}

// Stop 取消本地任務並刪除狀態與持有鎖，key 不存在時為 no-op
func (s *Scheduler) Stop(ctx context.Context, key string) error {
	s.cancelLocal(key)
	if err := s.store.DeleteAll(ctx, key); err != nil {
		return fmt.Errorf("stop countdown %s: %w", key, err)
	}
	return nil
}

// RestoreAllActive 接手所有持久化的倒數，返回處理的數量
func (s *Scheduler) RestoreAllActive(ctx context.Context, onTimeout TimeoutFunc) (int, error) {
	states, err := s.store.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore countdowns: %w", err)
	}
	for _, st := range states {
		s.startTask(st.Key, onTimeout)
	}
	if len(states) > 0 {
		s.logger.InfoContext(ctx, "countdowns restored", "count", len(states))
	}
	return len(states), nil
}

// Active key 是否有本地週期任務
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Close 取消所有本地任務並等待它們退出，持久化狀態保留給其他節點
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	for key, t := range s.tasks {
		t.cancel()
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// startTask 啟動週期任務，第一次 tick 立即執行，已過期的 key 會直接嘗試觸發
func (s *Scheduler) startTask(key string, onTimeout TimeoutFunc) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.tasks[key]; ok {
		prev.cancel()
	}
	s.tasks[key] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeTask(key, t)
		s.run(ctx, key, onTimeout)
	}()
}

// run 週期任務主循環
func (s *Scheduler) run(ctx context.Context, key string, onTimeout TimeoutFunc) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		if done := s.tick(ctx, key, onTimeout); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick 重新讀取狀態並決定下一步，返回 true 表示任務結束
func (s *Scheduler) tick(ctx context.Context, key string, onTimeout TimeoutFunc) bool {
	if ctx.Err() != nil {
		return true
	}

	st, err := s.store.Load(ctx, key)
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		s.logger.WarnContext(ctx, "countdown tick load failed", "key", key, "error", err)
		return false
	}
	if st == nil {
		// 已被其他節點停止或觸發
		return true
	}

	now := s.now()
	if !st.Expired(now) {
		s.emitTick(ctx, *st, st.Remaining(now))
		return false
	}
	return s.tryFire(ctx, *st, onTimeout)
}

// tryFire 搶租約並觸發，返回 true 表示本節點已觸發
//
// 沒搶到時繼續 tick：贏家完成後會刪除狀態，贏家崩潰則租約過期後重試。
func (s *Scheduler) tryFire(ctx context.Context, st State, onTimeout TimeoutFunc) bool {
	won, err := s.store.TryAcquire(ctx, st.Key, s.opts.NodeID)
	if err != nil {
		s.logger.WarnContext(ctx, "countdown lease failed", "key", st.Key, "error", err)
		return false
	}
	if !won {
		return false
	}

	// 讀取與搶鎖之間狀態可能已被停止或替換，只觸發仍然存在的同一個倒數
	cur, err := s.store.Load(ctx, st.Key)
	if err != nil || cur == nil || *cur != st {
		s.release(ctx, st.Key)
		if err != nil {
			s.logger.WarnContext(ctx, "countdown reload before fire failed", "key", st.Key, "error", err)
			return false
		}
		return cur == nil
	}

	s.logger.InfoContext(ctx, "countdown fired",
		"key", st.Key,
		"owner", st.Owner,
		"version", st.Version,
		"node", s.opts.NodeID,
	)

	// 回調可能停止本 key（取消 ctx），因此使用獨立的 context
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CallTimeout)
	defer cancel()
	s.safeTimeout(callCtx, st, onTimeout)

	// 回調沒有重新設定倒數時才刪除狀態，持有鎖留給 TTL
	cur, err = s.store.Load(callCtx, st.Key)
	if err != nil {
		s.logger.WarnContext(callCtx, "countdown reload after fire failed", "key", st.Key, "error", err)
		return true
	}
	if cur != nil && *cur == st {
		if err := s.store.Delete(callCtx, st.Key); err != nil {
			s.logger.WarnContext(callCtx, "countdown cleanup failed", "key", st.Key, "error", err)
		}
	}
	return true
}

func (s *Scheduler) release(ctx context.Context, key string) {
	if err := s.store.Release(context.WithoutCancel(ctx), key, s.opts.NodeID); err != nil {
		s.logger.WarnContext(ctx, "countdown lease release failed", "key", key, "error", err)
	}
}

// safeTimeout 執行回調，panic 與錯誤只記錄不外拋
func (s *Scheduler) safeTimeout(ctx context.Context, st State, onTimeout TimeoutFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WarnContext(ctx, "countdown timeout callback panicked", "key", st.Key, "panic", r)
		}
	}()
	if onTimeout == nil {
		return
	}
	if err := onTimeout(ctx, st); err != nil {
		s.logger.WarnContext(ctx, "countdown timeout callback failed", "key", st.Key, "error", err)
	}
}

// emitTick 通知所有監聽器，單個監聽器失敗不影響其他
func (s *Scheduler) emitTick(ctx context.Context, st State, left time.Duration) {
	s.mu.Lock()
	listeners := make([]TickFunc, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.WarnContext(ctx, "countdown tick listener panicked", "key", st.Key, "panic", r)
				}
			}()
			fn(ctx, st, left)
		}()
	}
}

func (s *Scheduler) cancelLocal(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		t.cancel()
		delete(s.tasks, key)
	}
}

func (s *Scheduler) removeTask(key string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[key]; ok && cur == t {
		delete(s.tasks, key)
	}
	t.cancel()
}
