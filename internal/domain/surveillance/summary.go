package surveillance

import "time"

// Summary is the headline strip of the report.
type Summary struct {
	TotalCases        int        `json:"total_cases"`
	AffectedDistricts int        `json:"affected_districts"`
	CasesLast7Days    int        `json:"cases_last_7_days"`
	CasesLast30Days   int        `json:"cases_last_30_days"`
	CasesLast24Hours  int        `json:"cases_last_24_hours"`
	TotalDeaths       int        `json:"total_deaths"`
	CFR               float64    `json:"cfr"`
	LatestEventDate   *time.Time `json:"latest_event_date,omitempty"`
}

// Summarize computes the headline figures. The 7 and 30 day windows run back
// from today; the 24 hour window runs back from the newest event because the
// warehouse loads in daily batches.
func Summarize(events []CaseEvent, cases []Case, now time.Time) Summary {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	since7 := today.AddDate(0, 0, -7)
	since30 := today.AddDate(0, 0, -30)

	var latest time.Time
	ids := make(map[string]time.Time, len(events))
	districts := make(map[string]bool)
	for _, e := range events {
		if _, dup := ids[e.EventID]; dup {
			continue
		}
		ids[e.EventID] = e.EventDate
		if e.EventDate.After(latest) {
			latest = e.EventDate
		}
		if IsReportableDistrict(e.District) {
			districts[e.District] = true
		}
	}

	s := Summary{
		TotalCases:        len(ids),
		AffectedDistricts: len(districts),
		TotalDeaths:       TotalDeaths(cases),
	}
	if latest.IsZero() {
		return s
	}
	s.LatestEventDate = &latest

	since24 := latest.Add(-24 * time.Hour)
	for _, d := range ids {
		if !d.Before(since7) {
			s.CasesLast7Days++
		}
		if !d.Before(since30) {
			s.CasesLast30Days++
		}
		if !d.Before(since24) {
			s.CasesLast24Hours++
		}
	}
	s.CFR = Percent(s.TotalDeaths, s.TotalCases, 1)
	return s
}
