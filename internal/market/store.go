package market

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Coverage 记录某只股票已入库数据的统计信息。
type Coverage struct {
	Code    string `json:"code"`
	MinDate string `json:"min_date"`
	MaxDate string `json:"max_date"`
	Rows    int64  `json:"rows"`
}

// Store 日线行情的 sqlite 存储，全市场共用一个库文件。
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("行情库路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureBarSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureBarSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS bars (
		code   TEXT NOT NULL,
		date   TEXT NOT NULL,
		open   REAL NOT NULL,
		high   REAL NOT NULL,
		low    REAL NOT NULL,
		close  REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (code, date)
	);`)
	return err
}

// InsertBars 批量写入日线（重复 (code,date) 将被覆盖）。
func (s *Store) InsertBars(ctx context.Context, bars []Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (code, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, b := range bars {
		if b.Code == "" || b.Date == "" {
			_ = tx.Rollback()
			return 0, fmt.Errorf("K 线缺少 code/date")
		}
		if _, err := stmt.ExecContext(ctx, b.Code, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// LoadSeries 读取单只股票 [start, end] 区间的日线序列（闭区间，升序）。
func (s *Store) LoadSeries(ctx context.Context, code, start, end string) (*Series, error) {
	if code == "" {
		return nil, fmt.Errorf("code 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, date, open, high, low, close, volume
		FROM bars WHERE code = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`, code, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bars []Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Code, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewSeries(code, bars), nil
}

// LoadDataset 读取多只股票的区间日线；codes 为空时读取库内全部股票。
func (s *Store) LoadDataset(ctx context.Context, codes []string, start, end string) (*Dataset, error) {
	if len(codes) == 0 {
		all, err := s.Codes(ctx)
		if err != nil {
			return nil, err
		}
		codes = all
	}
	ds := NewDataset()
	for _, code := range codes {
		series, err := s.LoadSeries(ctx, code, start, end)
		if err != nil {
			return nil, fmt.Errorf("加载 %s 行情失败: %w", code, err)
		}
		if series.Len() > 0 {
			ds.Put(series)
		}
	}
	return ds, nil
}

func (s *Store) Codes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT code FROM bars ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *Store) Coverage(ctx context.Context, code string) (Coverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(date), ''), COALESCE(MAX(date), ''), COUNT(1)
		FROM bars WHERE code = ?`, code)
	c := Coverage{Code: code}
	if err := row.Scan(&c.MinDate, &c.MaxDate, &c.Rows); err != nil {
		return Coverage{}, err
	}
	return c, nil
}
