package market

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout 全仓统一的交易日格式，字符串比较即时间比较。
const DateLayout = "2006-01-02"

// Bar 单只股票某个交易日的日线数据。volume 为 0 表示当日停牌。
type Bar struct {
	Code   string  `json:"code"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("解析日期 %q 失败: %w", s, err)
	}
	return t, nil
}

// NextDay 返回自然日 +1（非交易日历意义上的下一天）。
func NextDay(date string) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, 1).Format(DateLayout), nil
}

func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(DateLayout), nil
}

// Series 单只股票按日期升序排列的日线序列，支持截止日查询。
type Series struct {
	Code string
	bars []Bar
	idx  map[string]int
}

func NewSeries(code string, bars []Bar) *Series {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })
	idx := make(map[string]int, len(sorted))
	for i, b := range sorted {
		idx[b.Date] = i
	}
	return &Series{Code: code, bars: sorted, idx: idx}
}

func (s *Series) Len() int { return len(s.bars) }

func (s *Series) Bars() []Bar { return s.bars }

func (s *Series) At(date string) (Bar, bool) {
	i, ok := s.idx[date]
	if !ok {
		return Bar{}, false
	}
	return s.bars[i], true
}

// UpTo 返回 date（含）之前的全部 K 线。回测中向策略暴露数据的唯一入口，
// 保证不泄露未来数据。返回的是底层切片视图，调用方不得修改。
func (s *Series) UpTo(date string) []Bar {
	n := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Date > date })
	return s.bars[:n]
}

// PrevClose 返回 date 之前最近一根 K 线的收盘价（涨跌停判定基准）。
func (s *Series) PrevClose(date string) (float64, bool) {
	n := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Date >= date })
	if n == 0 {
		return 0, false
	}
	return s.bars[n-1].Close, true
}

// Truncate 返回仅包含 date（含）之前数据的新序列，测试无前视偏差用。
func (s *Series) Truncate(date string) *Series {
	return NewSeries(s.Code, s.UpTo(date))
}

// Dataset 多只股票的日线集合，回测期的交易日序列取各股票日期的并集。
type Dataset struct {
	series map[string]*Series
}

func NewDataset() *Dataset {
	return &Dataset{series: make(map[string]*Series)}
}

func (d *Dataset) Put(s *Series) {
	if s == nil || s.Code == "" {
		return
	}
	d.series[s.Code] = s
}

func (d *Dataset) Get(code string) (*Series, bool) {
	s, ok := d.series[code]
	return s, ok
}

func (d *Dataset) Len() int { return len(d.series) }

func (d *Dataset) Codes() []string {
	codes := make([]string, 0, len(d.series))
	for code := range d.series {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// TradingDates 返回 [start, end] 区间内所有股票交易日的升序并集。
// 个别股票停牌缺日不影响整体日历。
func (d *Dataset) TradingDates(start, end string) []string {
	seen := make(map[string]struct{})
	for _, s := range d.series {
		for _, b := range s.bars {
			if b.Date < start || b.Date > end {
				continue
			}
			seen[b.Date] = struct{}{}
		}
	}
	dates := make([]string, 0, len(seen))
	for date := range seen {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

// BarsOn 返回指定日期有数据的全部股票当日 K 线。
func (d *Dataset) BarsOn(date string) map[string]Bar {
	out := make(map[string]Bar)
	for code, s := range d.series {
		if b, ok := s.At(date); ok {
			out[code] = b
		}
	}
	return out
}

// Truncate 返回仅包含 date（含）之前数据的新数据集。
func (d *Dataset) Truncate(date string) *Dataset {
	out := NewDataset()
	for _, s := range d.series {
		out.Put(s.Truncate(date))
	}
	return out
}
