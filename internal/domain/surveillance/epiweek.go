package surveillance

import (
	"fmt"
	"sort"
	"time"
)

// EpiWeek is an ISO (year, week) bucket.
type EpiWeek struct {
	Year int `json:"year"`
	Week int `json:"week"`
}

func WeekOf(t time.Time) EpiWeek {
	y, w := t.ISOWeek()
	return EpiWeek{Year: y, Week: w}
}

// Prev is the reporting predecessor: week 1 wraps to week 52 of the prior
// year, even for 53-week years.
func (w EpiWeek) Prev() EpiWeek {
	if w.Week <= 1 {
		return EpiWeek{Year: w.Year - 1, Week: 52}
	}
	return EpiWeek{Year: w.Year, Week: w.Week - 1}
}

func (w EpiWeek) Before(o EpiWeek) bool {
	if w.Year != o.Year {
		return w.Year < o.Year
	}
	return w.Week < o.Week
}

func (w EpiWeek) String() string {
	return fmt.Sprintf("%d-W%02d", w.Year, w.Week)
}

// CalendarWeekOf keeps t in its calendar year. Late December days that ISO
// places in week 1 of the next year fold into the year's last week, and
// early January days in the previous ISO year fold into week 1.
func CalendarWeekOf(t time.Time) EpiWeek {
	wk := WeekOf(t)
	switch {
	case wk.Year > t.Year():
		return WeekOf(time.Date(t.Year(), time.December, 28, 0, 0, 0, 0, t.Location()))
	case wk.Year < t.Year():
		return EpiWeek{Year: t.Year(), Week: 1}
	}
	return wk
}

// CountByWeek counts distinct event ids per epi-week.
func CountByWeek(events []CaseEvent) map[EpiWeek]int {
	return countBy(events, WeekOf)
}

func countBy(events []CaseEvent, bucket func(time.Time) EpiWeek) map[EpiWeek]int {
	seen := make(map[EpiWeek]map[string]bool)
	for _, e := range events {
		if e.EventDate.IsZero() {
			continue
		}
		wk := bucket(e.EventDate)
		ids, ok := seen[wk]
		if !ok {
			ids = make(map[string]bool)
			seen[wk] = ids
		}
		ids[e.EventID] = true
	}
	out := make(map[EpiWeek]int, len(seen))
	for wk, ids := range seen {
		out[wk] = len(ids)
	}
	return out
}

func sortedWeeks(counts map[EpiWeek]int) []EpiWeek {
	weeks := make([]EpiWeek, 0, len(counts))
	for wk := range counts {
		weeks = append(weeks, wk)
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].Before(weeks[j]) })
	return weeks
}

type SeriesMode int

const (
	// Cumulative runs over every year in the data.
	Cumulative SeriesMode = iota
	// SingleYear keeps one calendar year, bucketed by CalendarWeekOf, and
	// restarts the running total at its first week.
	SingleYear
)

// WeeklyRow is one line of the epi-week table.
type WeeklyRow struct {
	Year          int      `json:"year"`
	Week          int      `json:"epi_week"`
	Cases         int      `json:"weekly_cases"`
	Cumulative    int      `json:"cumulative_cases"`
	PercentChange *float64 `json:"percent_change"`
}

// WeeklySeries returns the n most recent buckets, newest first. Cumulative
// totals and percent change are computed over the full chronological history
// of the mode before truncation. year is only read in SingleYear mode.
func WeeklySeries(events []CaseEvent, mode SeriesMode, year, n int) []WeeklyRow {
	var counts map[EpiWeek]int
	if mode == SingleYear {
		inYear := make([]CaseEvent, 0, len(events))
		for _, e := range events {
			if e.EventDate.Year() == year {
				inYear = append(inYear, e)
			}
		}
		counts = countBy(inYear, CalendarWeekOf)
	} else {
		counts = CountByWeek(events)
	}

	weeks := sortedWeeks(counts)
	rows := make([]WeeklyRow, len(weeks))
	running := 0
	var prev *int
	for i, wk := range weeks {
		c := counts[wk]
		running += c
		rows[i] = WeeklyRow{
			Year:          wk.Year,
			Week:          wk.Week,
			Cases:         c,
			Cumulative:    running,
			PercentChange: PercentChange(c, prev),
		}
		cur := c
		prev = &cur
	}

	reverse(rows)
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// WeekStart truncates t to the Monday of its week, in t's location.
func WeekStart(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

const movingAverageWindow = 7

// TrendRow is one week of the case trend with its trailing moving average.
type TrendRow struct {
	WeekStart     time.Time `json:"week_start"`
	Cases         int       `json:"cases"`
	MovingAverage float64   `json:"moving_average"`
}

// WeeklyTrend counts distinct events per week start and averages each week
// with up to six preceding weeks that have data. Newest first, n rows.
func WeeklyTrend(events []CaseEvent, n int) []TrendRow {
	seen := make(map[time.Time]map[string]bool)
	for _, e := range events {
		if e.EventDate.IsZero() {
			continue
		}
		ws := WeekStart(e.EventDate)
		ids, ok := seen[ws]
		if !ok {
			ids = make(map[string]bool)
			seen[ws] = ids
		}
		ids[e.EventID] = true
	}

	starts := make([]time.Time, 0, len(seen))
	for ws := range seen {
		starts = append(starts, ws)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	rows := make([]TrendRow, len(starts))
	for i, ws := range starts {
		lo := i - (movingAverageWindow - 1)
		if lo < 0 {
			lo = 0
		}
		sum := 0
		for _, prev := range starts[lo : i+1] {
			sum += len(seen[prev])
		}
		rows[i] = TrendRow{
			WeekStart:     ws,
			Cases:         len(seen[ws]),
			MovingAverage: round(float64(sum)/float64(i+1-lo), 1),
		}
	}

	reverse(rows)
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// SexWeekRow is one week of male and female case counts.
type SexWeekRow struct {
	WeekStart time.Time `json:"week_start"`
	Male      int       `json:"male"`
	Female    int       `json:"female"`
}

// WeeklyBySex counts male and female cases per week start. Weeks with neither
// are dropped. Newest first, n rows.
func WeeklyBySex(cases []Case, n int) []SexWeekRow {
	byWeek := make(map[time.Time]*SexWeekRow)
	for _, c := range cases {
		if c.EventDate.IsZero() || (c.Sex != SexMale && c.Sex != SexFemale) {
			continue
		}
		ws := WeekStart(c.EventDate)
		row, ok := byWeek[ws]
		if !ok {
			row = &SexWeekRow{WeekStart: ws}
			byWeek[ws] = row
		}
		if c.Sex == SexMale {
			row.Male++
		} else {
			row.Female++
		}
	}

	rows := make([]SexWeekRow, 0, len(byWeek))
	for _, r := range byWeek {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].WeekStart.After(rows[j].WeekStart) })
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}
