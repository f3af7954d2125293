// Package report turns the ban ledger into dense, gap-filled summary
// datasets for a reporting window: a per-day (or per-month) ban series, a
// per-moderator histogram, and a time-to-ban distribution. Rendering the
// datasets is the caller's problem; this package's contract ends at
// (label, count) sequences.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banwatch/banwatch/internal/store"
)

// ErrNoData signals an empty filtered set for the requested window.
var ErrNoData = errors.New("no bans in that period")

// ErrBadSince signals a malformed since date. The message is user-facing.
var ErrBadSince = errors.New("start date must be YYYY-MM-DD")

// MinDate is the hard floor for the reporting window. A since before it is
// silently clamped (distinct from the malformed-date rejection).
var MinDate = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	// defaultWindowDays is the window when no since date is supplied.
	defaultWindowDays = 30

	// monthlyThresholdDays switches the series to calendar-month buckets.
	monthlyThresholdDays = 366

	// Time-to-ban bin count bounds.
	minBins = 5
	maxBins = 30
)

// Granularity is the series bucket size.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// Point is one (label, count) entry of a dataset.
type Point struct {
	Label string
	Count int
}

// Histogram is the time-to-ban distribution: equal-width bins over
// [0, MaxHours] hours.
type Histogram struct {
	Bins     []Point
	BinCount int
	MaxHours float64
}

// Report holds the three independent datasets for one window.
type Report struct {
	Since       time.Time
	Granularity Granularity
	Series      []Point
	Moderators  []Point

	// TimeToBan is nil when no record has both timestamps — the histogram
	// is omitted entirely, not rendered empty.
	TimeToBan *Histogram
}

// Engine reads the ledger and builds reports.
type Engine struct {
	store store.Store
}

// NewEngine creates a report engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Stats resolves the since date, queries the ledger, and builds the
// report. raw may be empty (defaults to now minus 30 days).
func (e *Engine) Stats(ctx context.Context, raw string, now time.Time) (*Report, error) {
	since, err := ParseSince(raw, now)
	if err != nil {
		return nil, err
	}

	records, err := e.store.ListBannedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("querying bans: %w", err)
	}

	return Build(records, since)
}

// ParseSince resolves the reporting window start. An empty raw defaults to
// now minus 30 days; a malformed raw is rejected with ErrBadSince; a date
// before MinDate is silently clamped to it.
func ParseSince(raw string, now time.Time) (time.Time, error) {
	var since time.Time
	if raw == "" {
		since = now.UTC().AddDate(0, 0, -defaultWindowDays)
	} else {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, ErrBadSince
		}
		since = parsed.UTC()
	}

	if since.Before(MinDate) {
		since = MinDate
	}
	return since, nil
}

// Build produces the three datasets from records already filtered to
// banned_at >= since. Records without banned_at are ignored defensively.
func Build(records []*store.BanRecord, since time.Time) (*Report, error) {
	banned := make([]*store.BanRecord, 0, len(records))
	for _, rec := range records {
		if rec.BannedAt != nil {
			banned = append(banned, rec)
		}
	}
	if len(banned) == 0 {
		return nil, ErrNoData
	}

	report := &Report{Since: since}

	startDate := dateOf(since)
	endDate := startDate
	for _, rec := range banned {
		if d := dateOf(*rec.BannedAt); d.After(endDate) {
			endDate = d
		}
	}
	spanDays := int(endDate.Sub(startDate).Hours()/24) + 1

	if spanDays > monthlyThresholdDays {
		report.Granularity = GranularityMonth
		report.Series = monthlySeries(banned, startDate, endDate)
	} else {
		report.Granularity = GranularityDay
		report.Series = dailySeries(banned, startDate, spanDays)
	}

	report.Moderators = moderatorHistogram(banned)
	report.TimeToBan = timeToBanHistogram(banned)

	return report, nil
}

// dateOf truncates a timestamp to its UTC calendar date.
func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dailySeries buckets by calendar day, zero-filling every day in range.
func dailySeries(records []*store.BanRecord, startDate time.Time, spanDays int) []Point {
	perDay := make(map[time.Time]int)
	for _, rec := range records {
		perDay[dateOf(*rec.BannedAt)]++
	}

	series := make([]Point, 0, spanDays)
	for i := 0; i < spanDays; i++ {
		day := startDate.AddDate(0, 0, i)
		series = append(series, Point{
			Label: day.Format("2006-01-02"),
			Count: perDay[day],
		})
	}
	return series
}

// monthlySeries buckets by calendar month, zero-filling every month from
// startDate's month through endDate's month.
func monthlySeries(records []*store.BanRecord, startDate, endDate time.Time) []Point {
	perMonth := make(map[string]int)
	for _, rec := range records {
		perMonth[rec.BannedAt.UTC().Format("2006-01")]++
	}

	var series []Point
	cur := time.Date(startDate.Year(), startDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(endDate.Year(), endDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		label := cur.Format("2006-01")
		series = append(series, Point{Label: label, Count: perMonth[label]})
		cur = cur.AddDate(0, 1, 0)
	}
	return series
}

// moderatorHistogram counts bans per stored moderator label, sorted
// ascending by count; ties keep encounter order.
func moderatorHistogram(records []*store.BanRecord) []Point {
	counts := make(map[string]int)
	var order []string
	for _, rec := range records {
		if _, seen := counts[rec.Moderator]; !seen {
			order = append(order, rec.Moderator)
		}
		counts[rec.Moderator]++
	}

	hist := make([]Point, 0, len(order))
	for _, mod := range order {
		hist = append(hist, Point{Label: mod, Count: counts[mod]})
	}
	sort.SliceStable(hist, func(i, j int) bool {
		return hist[i].Count < hist[j].Count
	})
	return hist
}

// timeToBanHistogram bins elapsed join-to-ban hours into
// clamp(int(max)+1, 5, 30) equal-width bins. Returns nil when no record
// has both timestamps.
func timeToBanHistogram(records []*store.BanRecord) *Histogram {
	var hours []float64
	for _, rec := range records {
		if rec.JoinedAt == nil {
			continue
		}
		hours = append(hours, rec.BannedAt.Sub(*rec.JoinedAt).Hours())
	}
	if len(hours) == 0 {
		return nil
	}

	maxHours := hours[0]
	for _, h := range hours[1:] {
		if h > maxHours {
			maxHours = h
		}
	}

	binCount := int(maxHours) + 1
	if binCount < minBins {
		binCount = minBins
	}
	if binCount > maxBins {
		binCount = maxBins
	}

	width := maxHours / float64(binCount)
	if width <= 0 {
		width = 1
	}

	counts := make([]int, binCount)
	for _, h := range hours {
		idx := int(math.Floor(h / width))
		if idx < 0 {
			idx = 0
		}
		if idx >= binCount {
			idx = binCount - 1
		}
		counts[idx]++
	}

	bins := make([]Point, binCount)
	for i := range bins {
		lo := float64(i) * width
		hi := lo + width
		bins[i] = Point{
			Label: fmt.Sprintf("%.1f-%.1fh", lo, hi),
			Count: counts[i],
		}
	}

	return &Histogram{Bins: bins, BinCount: binCount, MaxHours: maxHours}
}
