package surveillance

import (
	"sort"
	"time"
)

// DistrictSummary is one row of the district ranking table.
type DistrictSummary struct {
	District         string   `json:"district"`
	TotalCases       int      `json:"total_cases"`
	TotalDeaths      int      `json:"total_deaths"`
	CasesLatestWeek  int      `json:"cases_latest_week"`
	DeathsLatestWeek int      `json:"deaths_latest_week"`
	CasesPrevWeek    int      `json:"cases_prev_week"`
	PercentChange    *float64 `json:"percent_change"`
	Proportion       float64  `json:"proportion"`
}

// LatestWeek is the epi-week of the most recent event, or false when there
// are no dated events.
func LatestWeek(events []CaseEvent) (EpiWeek, bool) {
	var latest time.Time
	for _, e := range events {
		if e.EventDate.After(latest) {
			latest = e.EventDate
		}
	}
	if latest.IsZero() {
		return EpiWeek{}, false
	}
	return WeekOf(latest), true
}

type districtTally struct {
	events map[string]bool
	// deceased entities, each counted once however many events it has
	dead       map[string]bool
	latestDead map[string]bool
	latest     int
	prev       int
}

// SummarizeDistricts totals distinct events per reportable district. died is
// keyed by tracked-entity id and a death counts once per entity per district. The latest week is the week of the newest event
// in the set and the previous week follows EpiWeek.Prev.
func SummarizeDistricts(events []CaseEvent, died map[string]bool) []DistrictSummary {
	latest, ok := LatestWeek(events)
	prev := latest.Prev()

	tallies := make(map[string]*districtTally)
	for _, e := range events {
		if !IsReportableDistrict(e.District) {
			continue
		}
		t, exists := tallies[e.District]
		if !exists {
			t = &districtTally{events: map[string]bool{}, dead: map[string]bool{}, latestDead: map[string]bool{}}
			tallies[e.District] = t
		}
		if t.events[e.EventID] {
			continue
		}
		t.events[e.EventID] = true

		death := e.EntityID != "" && died[e.EntityID]
		if death {
			t.dead[e.EntityID] = true
		}
		if !ok || e.EventDate.IsZero() {
			continue
		}
		switch WeekOf(e.EventDate) {
		case latest:
			t.latest++
			if death {
				t.latestDead[e.EntityID] = true
			}
		case prev:
			t.prev++
		}
	}

	grand := 0
	for _, t := range tallies {
		grand += len(t.events)
	}

	rows := make([]DistrictSummary, 0, len(tallies))
	for name, t := range tallies {
		p := t.prev
		rows = append(rows, DistrictSummary{
			District:         name,
			TotalCases:       len(t.events),
			TotalDeaths:      len(t.dead),
			CasesLatestWeek:  t.latest,
			DeathsLatestWeek: len(t.latestDead),
			CasesPrevWeek:    t.prev,
			PercentChange:    PercentChange(t.latest, &p),
			Proportion:       Percent(len(t.events), grand, 2),
		})
	}
	return RankDistricts(rows, 0)
}

// RankDistricts orders by total cases, then latest-week cases, both
// descending, then by name. n <= 0 keeps every row.
func RankDistricts(rows []DistrictSummary, n int) []DistrictSummary {
	out := make([]DistrictSummary, 0, len(rows))
	for _, r := range rows {
		if IsReportableDistrict(r.District) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TotalCases != b.TotalCases {
			return a.TotalCases > b.TotalCases
		}
		if a.CasesLatestWeek != b.CasesLatestWeek {
			return a.CasesLatestWeek > b.CasesLatestWeek
		}
		return a.District < b.District
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// DistrictShare is a district's cases and share of a total.
type DistrictShare struct {
	District   string  `json:"district"`
	Cases      int     `json:"cases"`
	Proportion float64 `json:"proportion"`
}

func rankShares(shares []DistrictShare) {
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].Cases != shares[j].Cases {
			return shares[i].Cases > shares[j].Cases
		}
		return shares[i].District < shares[j].District
	})
}

func topDistricts(counts map[string]int, n int) []DistrictShare {
	shares := make([]DistrictShare, 0, len(counts))
	for d, c := range counts {
		shares = append(shares, DistrictShare{District: d, Cases: c})
	}
	rankShares(shares)
	if n > 0 && len(shares) > n {
		shares = shares[:n]
	}
	return shares
}

// TotalProportions gives each district's share of all reportable cases,
// ranked, truncated to n. Shares are computed before truncation.
func TotalProportions(events []CaseEvent, n int) []DistrictShare {
	counts := DistrictCounts(events)
	grand := 0
	for _, c := range counts {
		grand += c
	}
	shares := topDistricts(counts, n)
	for i := range shares {
		shares[i].Proportion = Percent(shares[i].Cases, grand, 2)
	}
	return shares
}

// WeeklyShare is a district's share of one week's cases.
type WeeklyShare struct {
	EpiWeek
	District   string  `json:"district"`
	Cases      int     `json:"cases"`
	Proportion float64 `json:"proportion"`
}

// WeeklyProportions tracks the top n districts week by week as a share of
// each week's national total. Rows are ordered by week then district rank.
func WeeklyProportions(events []CaseEvent, n int) []WeeklyShare {
	top := topDistricts(DistrictCounts(events), n)
	rank := make(map[string]int, len(top))
	for i, s := range top {
		rank[s.District] = i
	}

	weekTotal := make(map[EpiWeek]map[string]bool)
	perDistrict := make(map[EpiWeek]map[string]map[string]bool)
	for _, e := range events {
		if e.EventDate.IsZero() || !IsReportableDistrict(e.District) {
			continue
		}
		wk := WeekOf(e.EventDate)
		if weekTotal[wk] == nil {
			weekTotal[wk] = make(map[string]bool)
			perDistrict[wk] = make(map[string]map[string]bool)
		}
		weekTotal[wk][e.EventID] = true
		if _, ok := rank[e.District]; !ok {
			continue
		}
		if perDistrict[wk][e.District] == nil {
			perDistrict[wk][e.District] = make(map[string]bool)
		}
		perDistrict[wk][e.District][e.EventID] = true
	}

	var rows []WeeklyShare
	for wk, districts := range perDistrict {
		total := len(weekTotal[wk])
		for d, ids := range districts {
			rows = append(rows, WeeklyShare{
				EpiWeek:    wk,
				District:   d,
				Cases:      len(ids),
				Proportion: Percent(len(ids), total, 2),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].EpiWeek != rows[j].EpiWeek {
			return rows[i].EpiWeek.Before(rows[j].EpiWeek)
		}
		return rank[rows[i].District] < rank[rows[j].District]
	})
	if rows == nil {
		rows = []WeeklyShare{}
	}
	return rows
}

// WeekCount is one point of an epicurve.
type WeekCount struct {
	EpiWeek
	Cases int `json:"cases"`
}

// DistrictCurve is the weekly series of one district.
type DistrictCurve struct {
	District string      `json:"district"`
	Total    int         `json:"total"`
	Weeks    []WeekCount `json:"weeks"`
}

// Epicurves returns the weekly series of the top n districts, weeks ascending.
func Epicurves(events []CaseEvent, n int) []DistrictCurve {
	top := topDistricts(DistrictCounts(events), n)
	byDistrict := make(map[string][]CaseEvent, len(top))
	for _, s := range top {
		byDistrict[s.District] = nil
	}
	for _, e := range events {
		if _, ok := byDistrict[e.District]; ok {
			byDistrict[e.District] = append(byDistrict[e.District], e)
		}
	}

	curves := make([]DistrictCurve, len(top))
	for i, s := range top {
		counts := CountByWeek(byDistrict[s.District])
		weeks := make([]WeekCount, 0, len(counts))
		for _, wk := range sortedWeeks(counts) {
			weeks = append(weeks, WeekCount{EpiWeek: wk, Cases: counts[wk]})
		}
		curves[i] = DistrictCurve{District: s.District, Total: s.Cases, Weeks: weeks}
	}
	return curves
}

// DistrictDeaths is a district's death count.
type DistrictDeaths struct {
	District string `json:"district"`
	Deaths   int    `json:"deaths"`
}

// DeathsByDistrict counts deaths per reportable district, districts with no
// deaths omitted, ranked and truncated to n.
func DeathsByDistrict(cases []Case, n int) []DistrictDeaths {
	counts := make(map[string]int)
	for _, c := range cases {
		if c.Died && IsReportableDistrict(c.District) {
			counts[c.District]++
		}
	}
	out := make([]DistrictDeaths, 0, len(counts))
	for _, s := range topDistricts(counts, n) {
		out = append(out, DistrictDeaths{District: s.District, Deaths: s.Cases})
	}
	return out
}

// ReportingMetrics summarizes district reporting coverage.
type ReportingMetrics struct {
	TotalDistricts     int `json:"total_districts"`
	DistrictsWithCases int `json:"districts_with_cases"`
	Reporting21Days    int `json:"reporting_21_days"`
	Reporting24Hours   int `json:"reporting_24_hours"`
}

const reportingWindow = 21 * 24 * time.Hour

// ComputeReportingMetrics counts districts in scope and how many of them have
// reported cases overall, within 21 days and within 24 hours of now.
func ComputeReportingMetrics(districts []District, events []CaseEvent, now time.Time) ReportingMetrics {
	var m ReportingMetrics
	inScope := make(map[string]bool)
	for _, d := range districts {
		if IsReportableDistrict(d.Name) && !inScope[d.Name] {
			inScope[d.Name] = true
			m.TotalDistricts++
		}
	}

	withCases := make(map[string]bool)
	recent := make(map[string]bool)
	lastDay := make(map[string]bool)
	for _, e := range events {
		if !IsReportableDistrict(e.District) {
			continue
		}
		withCases[e.District] = true
		age := now.Sub(e.EventDate)
		if age < 0 {
			continue
		}
		if age <= reportingWindow {
			recent[e.District] = true
		}
		if age <= 24*time.Hour {
			lastDay[e.District] = true
		}
	}
	m.DistrictsWithCases = len(withCases)
	m.Reporting21Days = len(recent)
	m.Reporting24Hours = len(lastDay)
	return m
}
