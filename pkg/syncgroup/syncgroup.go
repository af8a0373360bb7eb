package syncgroup

import (
	"sync"
)

// SyncGroup 是 sync.WaitGroup 的包装器，简化 goroutine 生命周期管理
// 自动管理 Add() 和 Done()，并记录第一个非 nil 的退出错误
type SyncGroup struct {
	wg sync.WaitGroup

	mu  sync.Mutex
	fns []func() error
	err error
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 添加一个 goroutine 函数（在 Run 之前调用）
func (w *SyncGroup) Add(fn func() error) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fns = append(w.fns, fn)
}

// Run 启动所有已添加的 goroutine，并清空函数列表避免重复启动
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.fns
	w.fns = nil
	w.mu.Unlock()

	for _, fn := range fns {
		w.wg.Add(1)
		go func(doFunc func() error) {
			defer w.wg.Done()
			err := doFunc()
			w.mu.Lock()
			if err != nil && w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
		}(fn)
	}
}

// Wait 等待所有 goroutine 完成，返回第一个错误
func (w *SyncGroup) Wait() error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
