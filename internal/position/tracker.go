// Package position 由成交流派生合约净持仓。
package position

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
)

var log = logrus.WithField("component", "position")

// Ledger 可选的持久化成交流水
type Ledger interface {
	Record(ctx context.Context, f domain.Fill) (bool, error)
	Reset(ctx context.Context) (int64, error)
	Load(ctx context.Context) ([]domain.Fill, error)
	Seen(ctx context.Context) ([]string, error)
}

type book struct {
	mu  sync.Mutex
	pos domain.Position
}

// Tracker 持仓跟踪器。每个合约一把锁，同一成交 ID 只计入一次。
type Tracker struct {
	books  sync.Map // contractId -> *book
	seen   *fillSet
	ledger Ledger
	writer *ledgerWriter

	resetMu sync.RWMutex // Reset 与 OnFill 互斥
}

// NewTracker 创建持仓跟踪器；ledger 可为 nil。流水写入异步进行，停止时需调用 Close。
func NewTracker(ledger Ledger) *Tracker {
	t := &Tracker{seen: newFillSet(64), ledger: ledger}
	if ledger != nil {
		t.writer = newLedgerWriter(ledger, defaultLedgerQueue, defaultLedgerTimeout)
	}
	return t
}

func (t *Tracker) book(contractID string) *book {
	if v, ok := t.books.Load(contractID); ok {
		return v.(*book)
	}
	v, _ := t.books.LoadOrStore(contractID, &book{pos: domain.Position{ContractID: contractID}})
	return v.(*book)
}

// OnFill 计入一笔成交；重复的成交 ID 返回 false 且不改变持仓
func (t *Tracker) OnFill(f domain.Fill) bool {
	t.resetMu.RLock()
	defer t.resetMu.RUnlock()

	if f.FillID == "" || f.ContractID == "" {
		log.Warnf("忽略缺少 fillId/contractId 的成交: %+v", f)
		return false
	}
	if !t.seen.add(f.FillID) {
		metrics.DuplicateFills.Add(1)
		log.Debugf("重复成交 %s，跳过", f.FillID)
		return false
	}
	if t.writer != nil {
		t.writer.enqueue(f)
	}

	b := t.book(f.ContractID)
	b.mu.Lock()
	b.pos.Apply(f)
	qty := b.pos.Quantity
	b.mu.Unlock()

	metrics.FillsApplied.Add(1)
	log.WithFields(logrus.Fields{
		"fillId":   f.FillID,
		"contract": f.ContractID,
		"qty":      f.Quantity,
		"price":    f.Price,
		"position": qty,
	}).Info("持仓更新")
	return true
}

// PositionOf 合约持仓；未成交过的合约返回零持仓
func (t *Tracker) PositionOf(contractID string) domain.Position {
	v, ok := t.books.Load(contractID)
	if !ok {
		return domain.Position{ContractID: contractID}
	}
	b := v.(*book)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// Positions 全部持仓（按合约排序）
func (t *Tracker) Positions() []domain.Position {
	var out []domain.Position
	t.books.Range(func(_, v any) bool {
		b := v.(*book)
		b.mu.Lock()
		out = append(out, b.pos)
		b.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}

// Reset 清空持仓（交易日切换）。已见过的成交 ID 继续保留，迟到的重复成交不会再次计入。
func (t *Tracker) Reset(ctx context.Context) error {
	t.resetMu.Lock()
	defer t.resetMu.Unlock()

	if t.ledger != nil {
		// 已入队的成交必须落在重置前的 epoch
		if err := t.writer.flush(ctx); err != nil {
			return err
		}
		if _, err := t.ledger.Reset(ctx); err != nil {
			return err
		}
	}
	t.books.Range(func(k, _ any) bool {
		t.books.Delete(k)
		return true
	})
	log.Info("持仓已重置")
	return nil
}

// Restore 启动时从流水重建当前 epoch 的持仓，并加载全部已见成交 ID
func (t *Tracker) Restore(ctx context.Context) error {
	if t.ledger == nil {
		return nil
	}
	t.resetMu.Lock()
	defer t.resetMu.Unlock()

	ids, err := t.ledger.Seen(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t.seen.add(id)
	}
	fills, err := t.ledger.Load(ctx)
	if err != nil {
		return err
	}
	for _, f := range fills {
		b := t.book(f.ContractID)
		b.mu.Lock()
		b.pos.Apply(f)
		b.mu.Unlock()
	}
	log.Infof("从流水恢复 %d 笔成交，已见成交 ID %d 个", len(fills), t.seen.size())
	return nil
}

// Flush 等待已计入的成交写入流水
func (t *Tracker) Flush(ctx context.Context) error {
	if t.writer == nil {
		return nil
	}
	return t.writer.flush(ctx)
}

// Close 写完排队中的流水并停止写入 goroutine
func (t *Tracker) Close(ctx context.Context) error {
	if t.writer == nil {
		return nil
	}
	return t.writer.close(ctx)
}
