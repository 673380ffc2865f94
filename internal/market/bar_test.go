package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBars(code string, dates []string, close float64) []Bar {
	bars := make([]Bar, 0, len(dates))
	for _, d := range dates {
		bars = append(bars, Bar{
			Code: code, Date: d,
			Open: close, High: close * 1.01, Low: close * 0.99, Close: close,
			Volume: 10000,
		})
	}
	return bars
}

func TestSeriesUpTo(t *testing.T) {
	s := NewSeries("600000", makeBars("600000", []string{
		"2023-01-03", "2023-01-04", "2023-01-05", "2023-01-06",
	}, 10))

	t.Run("不包含未来数据", func(t *testing.T) {
		bars := s.UpTo("2023-01-04")
		require.Len(t, bars, 2)
		assert.Equal(t, "2023-01-04", bars[len(bars)-1].Date)
	})

	t.Run("date不在序列中时取最近一根之前", func(t *testing.T) {
		bars := s.UpTo("2023-01-04x")
		require.Len(t, bars, 2)
	})

	t.Run("早于首日返回空", func(t *testing.T) {
		assert.Empty(t, s.UpTo("2022-12-30"))
	})
}

func TestSeriesPrevClose(t *testing.T) {
	s := NewSeries("600000", []Bar{
		{Code: "600000", Date: "2023-01-03", Close: 10},
		{Code: "600000", Date: "2023-01-04", Close: 11},
	})

	pc, ok := s.PrevClose("2023-01-04")
	require.True(t, ok)
	assert.InDelta(t, 10, pc, 1e-9)

	_, ok = s.PrevClose("2023-01-03")
	assert.False(t, ok)
}

func TestSeriesSortsUnorderedInput(t *testing.T) {
	s := NewSeries("600000", []Bar{
		{Code: "600000", Date: "2023-01-05", Close: 12},
		{Code: "600000", Date: "2023-01-03", Close: 10},
		{Code: "600000", Date: "2023-01-04", Close: 11},
	})
	bars := s.Bars()
	require.Len(t, bars, 3)
	assert.Equal(t, "2023-01-03", bars[0].Date)
	assert.Equal(t, "2023-01-05", bars[2].Date)
}

func TestDatasetTradingDates(t *testing.T) {
	ds := NewDataset()
	ds.Put(NewSeries("600000", makeBars("600000", []string{"2023-01-03", "2023-01-04"}, 10)))
	// 000001 在 01-04 停牌缺日，但 01-05 有数据
	ds.Put(NewSeries("000001", makeBars("000001", []string{"2023-01-03", "2023-01-05"}, 20)))

	t.Run("取并集", func(t *testing.T) {
		dates := ds.TradingDates("2023-01-01", "2023-12-31")
		assert.Equal(t, []string{"2023-01-03", "2023-01-04", "2023-01-05"}, dates)
	})

	t.Run("区间过滤", func(t *testing.T) {
		dates := ds.TradingDates("2023-01-04", "2023-01-04")
		assert.Equal(t, []string{"2023-01-04"}, dates)
	})
}

func TestDatasetBarsOn(t *testing.T) {
	ds := NewDataset()
	ds.Put(NewSeries("600000", makeBars("600000", []string{"2023-01-03"}, 10)))
	ds.Put(NewSeries("000001", makeBars("000001", []string{"2023-01-04"}, 20)))

	bars := ds.BarsOn("2023-01-03")
	require.Len(t, bars, 1)
	_, ok := bars["600000"]
	assert.True(t, ok)
}

func TestNextDay(t *testing.T) {
	next, err := NextDay("2023-01-31")
	require.NoError(t, err)
	assert.Equal(t, "2023-02-01", next)

	_, err = NextDay("20230131")
	assert.Error(t, err)
}
