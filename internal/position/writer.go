package position

import (
	"context"
	"sync"
	"time"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
)

const (
	defaultLedgerQueue   = 1024
	defaultLedgerTimeout = 5 * time.Second
)

// ledgerWriter 在独立 goroutine 上按到达顺序写成交流水；回报处理路径只负责入队。
// 队列满时最多等待 timeout，之后放弃该笔写入（内存持仓不受影响）。
type ledgerWriter struct {
	ledger  Ledger
	timeout time.Duration
	queue   chan ledgerOp
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type ledgerOp struct {
	fill    domain.Fill
	barrier chan struct{} // 非 nil 时为 flush 屏障
}

func newLedgerWriter(l Ledger, size int, timeout time.Duration) *ledgerWriter {
	if size <= 0 {
		size = defaultLedgerQueue
	}
	if timeout <= 0 {
		timeout = defaultLedgerTimeout
	}
	w := &ledgerWriter{
		ledger:  l,
		timeout: timeout,
		queue:   make(chan ledgerOp, size),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *ledgerWriter) loop() {
	defer close(w.done)
	for op := range w.queue {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.write(op.fill)
	}
}

func (w *ledgerWriter) write(f domain.Fill) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if _, err := w.ledger.Record(ctx, f); err != nil {
		metrics.LedgerWriteFailures.Add(1)
		log.WithError(err).Errorf("成交 %s 写入流水失败", f.FillID)
	}
}

func (w *ledgerWriter) enqueue(f domain.Fill) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		metrics.LedgerWriteFailures.Add(1)
		log.Errorf("流水已关闭，成交 %s 未写入", f.FillID)
		return
	}
	op := ledgerOp{fill: f}
	select {
	case w.queue <- op:
		return
	default:
	}

	metrics.LedgerQueueFull.Add(1)
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case w.queue <- op:
	case <-timer.C:
		metrics.LedgerWriteFailures.Add(1)
		log.Errorf("流水队列已满，成交 %s 未写入", f.FillID)
	}
}

// flush 等待此前入队的写入全部完成
func (w *ledgerWriter) flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	barrier := make(chan struct{})
	select {
	case w.queue <- ledgerOp{barrier: barrier}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close 停止接收新写入，等待队列写完
func (w *ledgerWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
