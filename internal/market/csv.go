package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"abacktest/internal/logger"
)

// ReadCSV 解析单只股票的日线 CSV。要求表头含
// date,open,high,low,close,volume；code 取自文件名（去扩展名）。
func ReadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	code := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	bars, err := parseCSV(f, code)
	if err != nil {
		return nil, fmt.Errorf("解析 %s: %w", path, err)
	}
	return bars, nil
}

func parseCSV(r io.Reader, code string) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, need := range []string{"date", "open", "high", "low", "close", "volume"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("表头缺少 %s 列", need)
		}
	}
	var bars []Bar
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		b := Bar{Code: code, Date: strings.TrimSpace(record[col["date"]])}
		if _, err := ParseDate(b.Date); err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &b.Open},
			{"high", &b.High},
			{"low", &b.Low},
			{"close", &b.Close},
			{"volume", &b.Volume},
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col[f.name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("第 %d 行 %s 列: %w", line, f.name, err)
			}
			*f.dst = v
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ImportDir 将目录下全部 *.csv 导入行情库，返回写入的 K 线总数。
func ImportDir(ctx context.Context, store *Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		bars, err := ReadCSV(filepath.Join(dir, e.Name()))
		if err != nil {
			return total, err
		}
		n, err := store.InsertBars(ctx, bars)
		if err != nil {
			return total, err
		}
		logger.Infof("导入 %s: %d 条", e.Name(), n)
		total += n
	}
	return total, nil
}

// LoadCSVDataset 直接把目录下的 CSV 读成内存数据集（不经过 sqlite）。
func LoadCSVDataset(dir string, codes []string) (*Dataset, error) {
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ds := NewDataset()
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		code := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if len(want) > 0 && !want[code] {
			continue
		}
		bars, err := ReadCSV(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		ds.Put(NewSeries(code, bars))
	}
	return ds, nil
}
