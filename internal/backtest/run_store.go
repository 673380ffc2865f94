package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs/trades/equity 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			initial_capital REAL NOT NULL,
			final_value REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			code TEXT NOT NULL,
			entry_date TEXT NOT NULL,
			exit_date TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			shares INTEGER NOT NULL,
			entry_cost REAL NOT NULL,
			exit_proceeds REAL NOT NULL,
			gross_pnl REAL NOT NULL,
			net_pnl REAL NOT NULL,
			gross_pnl_pct REAL NOT NULL,
			net_pnl_pct REAL NOT NULL,
			holding_days INTEGER NOT NULL,
			max_unrealized_pnl_pct REAL NOT NULL,
			exit_reason TEXT,
			buy_strategy TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			date TEXT NOT NULL,
			cash REAL NOT NULL,
			position_value REAL NOT NULL,
			total_value REAL NOT NULL,
			num_positions INTEGER NOT NULL,
			frozen_cash REAL NOT NULL,
			pending_proceeds REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON backtest_equity(run_id, date);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, status, start_date, end_date, initial_capital, final_value, return_pct,
			 win_rate, max_drawdown, trades, config_json, stats_json, message,
			 created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.StartDate, run.EndDate, run.InitialCapital,
		run.FinalValue, run.ReturnPct, run.WinRate, run.MaxDrawdownPct, run.Trades,
		string(cfgJSON), bytesOrNil(statsJSON), run.Message, now, now, nullableTime(run.CompletedAt))
	return err
}

func bytesOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed interface{}
	if isTerminalStatus(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// UpdateRunSummary 更新状态与全部指标。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var completed interface{}
	if isTerminalStatus(status) {
		completed = now
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, final_value=?, return_pct=?, win_rate=?, max_drawdown=?, trades=?,
		    stats_json=?, message=?, updated_at=?,
		    completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`,
		status, stats.FinalValue, stats.ReturnPct, stats.WinRate, stats.MaxDrawdownPct,
		stats.Trades, string(statsJSON), message, now, completed, completed, id)
	return err
}

func isTerminalStatus(status string) bool {
	switch status {
	case RunStatusDone, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// InsertTrades 批量写入成交记录。
func (s *ResultStore) InsertTrades(ctx context.Context, runID string, trades []TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
			(run_id, code, entry_date, exit_date, entry_price, exit_price, shares,
			 entry_cost, exit_proceeds, gross_pnl, net_pnl, gross_pnl_pct, net_pnl_pct,
			 holding_days, max_unrealized_pnl_pct, exit_reason, buy_strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, tr := range trades {
		if _, err := stmt.ExecContext(ctx, runID, tr.Code, tr.EntryDate, tr.ExitDate,
			tr.EntryPrice, tr.ExitPrice, tr.Shares, tr.EntryCost, tr.ExitProceeds,
			tr.GrossPnL, tr.NetPnL, tr.GrossPnLPct, tr.NetPnLPct, tr.HoldingDays,
			tr.MaxUnrealizedPnLPct, tr.ExitReason, tr.BuyStrategy); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// InsertEquity 批量写入净值曲线。
func (s *ResultStore) InsertEquity(ctx context.Context, runID string, points []EquityRecord) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_equity
			(run_id, date, cash, position_value, total_value, num_positions, frozen_cash, pending_proceeds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.Date, p.Cash, p.PositionValue,
			p.TotalValue, p.NumPositions, p.FrozenCash, p.PendingProceeds); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, start_date, end_date, initial_capital, final_value, return_pct,
		       win_rate, max_drawdown, trades, config_json, stats_json, message,
		       created_at, updated_at, completed_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, start_date, end_date, initial_capital, final_value, return_pct,
		       win_rate, max_drawdown, trades, config_json, stats_json, message,
		       created_at, updated_at, completed_at
		FROM backtest_runs WHERE id=?`, id)
	return scanRun(row)
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, entry_date, exit_date, entry_price, exit_price, shares,
		       entry_cost, exit_proceeds, gross_pnl, net_pnl, gross_pnl_pct, net_pnl_pct,
		       holding_days, max_unrealized_pnl_pct, exit_reason, buy_strategy
		FROM backtest_trades
		WHERE run_id=?
		ORDER BY exit_date ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRecord
	for rows.Next() {
		var tr TradeRecord
		var reason, strategy sql.NullString
		if err := rows.Scan(&tr.ID, &tr.Code, &tr.EntryDate, &tr.ExitDate,
			&tr.EntryPrice, &tr.ExitPrice, &tr.Shares, &tr.EntryCost, &tr.ExitProceeds,
			&tr.GrossPnL, &tr.NetPnL, &tr.GrossPnLPct, &tr.NetPnLPct, &tr.HoldingDays,
			&tr.MaxUnrealizedPnLPct, &reason, &strategy); err != nil {
			return nil, err
		}
		tr.RunID = runID
		tr.ExitReason = reason.String
		tr.BuyStrategy = strategy.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListEquity(ctx context.Context, runID string, limit int) ([]EquityRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date, cash, position_value, total_value, num_positions, frozen_cash, pending_proceeds
		FROM backtest_equity
		WHERE run_id=?
		ORDER BY date ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityRecord
	for rows.Next() {
		var p EquityRecord
		if err := rows.Scan(&p.ID, &p.Date, &p.Cash, &p.PositionValue, &p.TotalValue,
			&p.NumPositions, &p.FrozenCash, &p.PendingProceeds); err != nil {
			return nil, err
		}
		p.RunID = runID
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var statsStr, message sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Status, &run.StartDate, &run.EndDate,
		&run.InitialCapital, &run.FinalValue, &run.ReturnPct, &run.WinRate,
		&run.MaxDrawdownPct, &run.Trades, &cfgStr, &statsStr, &message,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.Message = message.String
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
