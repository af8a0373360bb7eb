// Package ledger 持久化成交流水（sqlite），用于重启后重建持仓并对成交去重。
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
)

var log = logrus.WithField("component", "ledger")

// Ledger 成交流水。每次持仓重置开启新的 epoch，旧 epoch 的记录保留但不再参与重建。
type Ledger struct {
	db *sql.DB
}

// Open 打开（或创建）流水库
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id TEXT PRIMARY KEY,
			epoch INTEGER NOT NULL,
			client_order_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			contract_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL,
			ts_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_epoch ON fills(epoch)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES ('epoch', 1)`,
	}
	for _, q := range queries {
		if _, err := l.db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Epoch 当前 epoch
func (l *Ledger) Epoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'epoch'`).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("failed to read epoch: %w", err)
	}
	return epoch, nil
}

// Record 写入成交；同一 fill_id 只记录一次。返回是否为新记录。
func (l *Ledger) Record(ctx context.Context, f domain.Fill) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills
			(fill_id, epoch, client_order_id, order_id, contract_id, quantity, price, ts_unix_millis)
		 SELECT ?, value, ?, ?, ?, ?, ?, ? FROM meta WHERE key = 'epoch'`,
		f.FillID, f.ClientOrderID, f.OrderID, f.ContractID, f.Quantity, f.Price, f.Timestamp.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record fill %s: %w", f.FillID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Reset 开启新 epoch，返回新 epoch
func (l *Ledger) Reset(ctx context.Context) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'epoch'`); err != nil {
		return 0, fmt.Errorf("failed to advance epoch: %w", err)
	}
	var epoch int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'epoch'`).Scan(&epoch); err != nil {
		return 0, fmt.Errorf("failed to read epoch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	log.Infof("持仓流水进入新 epoch %d", epoch)
	return epoch, nil
}

// Load 当前 epoch 的全部成交（按写入顺序）
func (l *Ledger) Load(ctx context.Context) ([]domain.Fill, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT fill_id, client_order_id, order_id, contract_id, quantity, price, ts_unix_millis
		 FROM fills WHERE epoch = (SELECT value FROM meta WHERE key = 'epoch')
		 ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var ts int64
		if err := rows.Scan(&f.FillID, &f.ClientOrderID, &f.OrderID, &f.ContractID, &f.Quantity, &f.Price, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Seen 所有 epoch 中已记录的 fill_id（用于重启后的去重集合）
func (l *Ledger) Seen(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT fill_id FROM fills`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fill ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
