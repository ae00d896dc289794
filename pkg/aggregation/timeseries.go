package aggregation

import (
	"sort"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

const monthLayout = "2006-01"

func (a *Aggregator) addToTimeseries(series []models.MonthBucket, m models.Mention) []models.MonthBucket {
	month := m.ObservedAt.UTC().Format(monthLayout)

	found := false
	for i := range series {
		if series[i].Month == month {
			series[i].Mentions++
			series[i].Engagement += m.RawEngagement
			found = true
			break
		}
	}
	if !found {
		series = append(series, models.MonthBucket{Month: month, Mentions: 1, Engagement: m.RawEngagement})
	}

	return a.capTimeseries(series)
}

func (a *Aggregator) mergeTimeseries(into, from []models.MonthBucket) []models.MonthBucket {
	byMonth := make(map[string]int, len(into))
	for i, b := range into {
		byMonth[b.Month] = i
	}
	for _, b := range from {
		if i, ok := byMonth[b.Month]; ok {
			into[i].Mentions += b.Mentions
			into[i].Engagement += b.Engagement
			continue
		}
		byMonth[b.Month] = len(into)
		into = append(into, b)
	}
	return a.capTimeseries(into)
}

// capTimeseries sorts buckets by month and keeps the most recent ones
func (a *Aggregator) capTimeseries(series []models.MonthBucket) []models.MonthBucket {
	sort.Slice(series, func(i, j int) bool { return series[i].Month < series[j].Month })
	if limit := a.config.TimeseriesMonths; limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return series
}
