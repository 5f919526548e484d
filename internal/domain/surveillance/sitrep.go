package surveillance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eidsr/sitrep/internal/platform/reporting"
)

// reportConcurrency bounds the aggregates computed at once for one report so
// a single request cannot hold the whole pool.
const reportConcurrency = 4

// SitRep is the assembled situation report.
type SitRep struct {
	Title             string                                `json:"title"`
	Location          Location                              `json:"location"`
	Period            string                                `json:"period"`
	Params            ReportParams                          `json:"params"`
	GeneratedAt       time.Time                             `json:"generated_at"`
	Summary           Result[Summary]                       `json:"summary"`
	Weekly            Result[[]WeeklyRow]                   `json:"weekly"`
	Trend             Result[[]TrendRow]                    `json:"trend"`
	WeeklyBySex       Result[[]SexWeekRow]                  `json:"weekly_by_sex"`
	TopDistricts      Result[[]DistrictSummary]             `json:"top_districts"`
	Proportions       Result[[]DistrictShare]               `json:"district_proportions"`
	WeeklyProportions Result[[]WeeklyShare]                 `json:"weekly_proportions"`
	Epicurves         Result[[]DistrictCurve]               `json:"epicurves"`
	Reporting         Result[ReportingMetrics]              `json:"reporting"`
	AgeSex            Result[[]AgeSexRow]                   `json:"age_sex"`
	Demographics      Result[[]DemographicRow]              `json:"demographics"`
	Gender            Result[[]Share]                       `json:"gender"`
	AttackRates       Result[[]AttackRateRow]               `json:"attack_rates"`
	Deaths            Result[Deaths]                        `json:"deaths"`
	Maps              map[string]Result[map[string]float64] `json:"maps"`
}

// Degraded lists the blocks that failed.
func (r *SitRep) Degraded() []string {
	var out []string
	check := func(name string, d bool) {
		if d {
			out = append(out, name)
		}
	}
	check("summary", r.Summary.Degraded())
	check("weekly", r.Weekly.Degraded())
	check("trend", r.Trend.Degraded())
	check("weekly_by_sex", r.WeeklyBySex.Degraded())
	check("top_districts", r.TopDistricts.Degraded())
	check("district_proportions", r.Proportions.Degraded())
	check("weekly_proportions", r.WeeklyProportions.Degraded())
	check("epicurves", r.Epicurves.Degraded())
	check("reporting", r.Reporting.Degraded())
	check("age_sex", r.AgeSex.Degraded())
	check("demographics", r.Demographics.Degraded())
	check("gender", r.Gender.Degraded())
	check("attack_rates", r.AttackRates.Degraded())
	check("deaths", r.Deaths.Degraded())
	for _, layer := range MapLayers {
		check("map_"+layer, r.Maps[layer].Degraded())
	}
	return out
}

// SitRep computes every block of the report concurrently. A failing block is
// degraded on its own and never stops the others.
func (s *Service) SitRep(ctx context.Context, p ReportParams, loc Location) *SitRep {
	start := time.Now()
	f := p.Filter(loc)
	r := &SitRep{
		Title:       "Measles Situation Report",
		Location:    loc,
		Period:      p.MonthLabel(),
		Params:      p,
		GeneratedAt: s.now().UTC(),
		Maps:        make(map[string]Result[map[string]float64], len(MapLayers)),
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(reportConcurrency)
	run := func(fn func()) {
		g.Go(func() error {
			fn()
			return nil
		})
	}

	run(func() { r.Summary = s.Summary(ctx, f) })
	run(func() { r.Weekly = s.WeeklyTable(ctx, f, WeeklyTableN) })
	run(func() { r.Trend = s.Trend(ctx, f) })
	run(func() { r.WeeklyBySex = s.WeeklyBySex(ctx, f) })
	run(func() { r.TopDistricts = s.TopDistricts(ctx, f, TopDistrictsN) })
	run(func() { r.Proportions = s.TotalProportions(ctx, f, TopDistrictsN) })
	run(func() { r.WeeklyProportions = s.WeeklyProportions(ctx, f) })
	run(func() { r.Epicurves = s.Epicurves(ctx, f) })
	run(func() { r.Reporting = s.ReportingMetrics(ctx, f) })
	run(func() { r.AgeSex = s.AgeSex(ctx, f, FiveYear) })
	run(func() { r.Demographics = s.DemographicTable(ctx, f) })
	run(func() { r.Gender = s.Gender(ctx, f) })
	run(func() { r.AttackRates = s.AttackRates(ctx, f) })
	run(func() { r.Deaths = s.Deaths(ctx, f) })
	for _, layer := range MapLayers {
		layer := layer
		run(func() {
			res := s.Map(ctx, f, layer)
			mu.Lock()
			r.Maps[layer] = res
			mu.Unlock()
		})
	}
	_ = g.Wait()
	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveReport(r.Degraded(), time.Since(start))
	}
	return r
}

func itoa(n int) string { return strconv.Itoa(n) }

func fmtFloat(f float64, places int) string {
	return strconv.FormatFloat(f, 'f', places, 64)
}

func fmtChange(p *float64) string {
	if p == nil {
		return "n/a"
	}
	if *p > 0 {
		return "+" + fmtFloat(*p, 1) + "%"
	}
	return fmtFloat(*p, 1) + "%"
}

func section[T any](id, title string, r Result[T]) reporting.Section {
	return reporting.Section{ID: id, Title: title, Status: string(r.Status), Warning: r.Warning}
}

func numeric(labels ...string) []reporting.Column {
	cols := make([]reporting.Column, len(labels))
	for i, l := range labels {
		cols[i] = reporting.Column{Label: l, Numeric: i > 0}
	}
	return cols
}

// Document reduces the report to the print view.
func (r *SitRep) Document() reporting.Document {
	doc := reporting.Document{
		Title:       r.Title,
		Location:    r.Location.Label,
		Period:      r.Period,
		GeneratedAt: r.GeneratedAt,
	}

	sum := r.Summary.Data
	if sum.LatestEventDate != nil {
		doc.DataAsOf = sum.LatestEventDate.Format("02 Jan 2006")
	}
	if r.Summary.Status == StatusOK {
		doc.Highlights = []reporting.Stat{
			{Label: "Confirmed cases", Value: itoa(sum.TotalCases)},
			{Label: "Deaths", Value: itoa(sum.TotalDeaths), Note: "CFR " + fmtFloat(sum.CFR, 1) + "%"},
			{Label: "Affected districts", Value: itoa(sum.AffectedDistricts)},
			{Label: "Last 7 days", Value: itoa(sum.CasesLast7Days)},
			{Label: "Last 30 days", Value: itoa(sum.CasesLast30Days)},
			{Label: "Last 24 hours", Value: itoa(sum.CasesLast24Hours), Note: "relative to latest report"},
		}
	}

	if r.Summary.Status != StatusOK {
		doc.Sections = append(doc.Sections, section("summary", "Summary", r.Summary))
	}

	weekly := section("weekly", "Cases by epidemiological week", r.Weekly)
	if len(r.Weekly.Data) > 0 {
		t := &reporting.Table{Columns: numeric("Epi week", "Weekly cases", "Cumulative", "Change")}
		for _, w := range r.Weekly.Data {
			t.Rows = append(t.Rows, []string{
				fmt.Sprintf("%d W%02d", w.Year, w.Week), itoa(w.Cases), itoa(w.Cumulative), fmtChange(w.PercentChange),
			})
		}
		weekly.Table = t
	}
	doc.Sections = append(doc.Sections, weekly)

	trend := section("trend", "Weekly trend (7-week moving average)", r.Trend)
	if len(r.Trend.Data) > 0 {
		t := &reporting.Table{Columns: numeric("Week starting", "Cases", "Moving average")}
		for _, row := range r.Trend.Data {
			t.Rows = append(t.Rows, []string{row.WeekStart.Format("02 Jan 2006"), itoa(row.Cases), fmtFloat(row.MovingAverage, 1)})
		}
		trend.Table = t
	}
	doc.Sections = append(doc.Sections, trend)

	bySex := section("weekly-by-sex", "Weekly cases by sex", r.WeeklyBySex)
	if len(r.WeeklyBySex.Data) > 0 {
		t := &reporting.Table{Columns: numeric("Week starting", "Male", "Female")}
		for _, row := range r.WeeklyBySex.Data {
			t.Rows = append(t.Rows, []string{row.WeekStart.Format("02 Jan 2006"), itoa(row.Male), itoa(row.Female)})
		}
		bySex.Table = t
	}
	doc.Sections = append(doc.Sections, bySex)

	top := section("top-districts", "Most affected districts", r.TopDistricts)
	if len(r.TopDistricts.Data) > 0 {
		t := &reporting.Table{Columns: numeric("District", "Cases", "Deaths", "Latest week", "Previous week", "Change", "% of total")}
		for _, d := range r.TopDistricts.Data {
			t.Rows = append(t.Rows, []string{
				d.District, itoa(d.TotalCases), itoa(d.TotalDeaths), itoa(d.CasesLatestWeek),
				itoa(d.CasesPrevWeek), fmtChange(d.PercentChange), fmtFloat(d.Proportion, 2),
			})
		}
		top.Table = t
	}
	doc.Sections = append(doc.Sections, top)

	props := section("district-proportions", "Share of cases by district", r.Proportions)
	if len(r.Proportions.Data) > 0 {
		t := &reporting.Table{Columns: numeric("District", "Cases", "% of total")}
		for _, d := range r.Proportions.Data {
			t.Rows = append(t.Rows, []string{d.District, itoa(d.Cases), fmtFloat(d.Proportion, 2)})
		}
		props.Table = t
	}
	doc.Sections = append(doc.Sections, props)

	weeklyProps := section("weekly-proportions", "Weekly share of cases, leading districts", r.WeeklyProportions)
	if len(r.WeeklyProportions.Data) > 0 {
		t := &reporting.Table{Columns: numeric("Epi week", "District", "Cases", "% of week")}
		t.Columns[1].Numeric = false
		for _, w := range r.WeeklyProportions.Data {
			t.Rows = append(t.Rows, []string{
				fmt.Sprintf("%d W%02d", w.Year, w.Week), w.District, itoa(w.Cases), fmtFloat(w.Proportion, 2),
			})
		}
		weeklyProps.Table = t
	}
	doc.Sections = append(doc.Sections, weeklyProps)

	epi := section("epicurves", "Epicurves of leading districts", r.Epicurves)
	if len(r.Epicurves.Data) > 0 {
		t := &reporting.Table{Columns: numeric("District", "Total", "Weeks with cases", "Peak week cases")}
		for _, c := range r.Epicurves.Data {
			peak := 0
			for _, w := range c.Weeks {
				if w.Cases > peak {
					peak = w.Cases
				}
			}
			t.Rows = append(t.Rows, []string{c.District, itoa(c.Total), itoa(len(c.Weeks)), itoa(peak)})
		}
		epi.Table = t
	}
	doc.Sections = append(doc.Sections, epi)

	rep := section("reporting", "District reporting", r.Reporting)
	if r.Reporting.Status == StatusOK {
		m := r.Reporting.Data
		rep.Stats = []reporting.Stat{
			{Label: "Districts in scope", Value: itoa(m.TotalDistricts)},
			{Label: "Districts with cases", Value: itoa(m.DistrictsWithCases)},
			{Label: "Reporting in last 21 days", Value: itoa(m.Reporting21Days)},
			{Label: "Reporting in last 24 hours", Value: itoa(m.Reporting24Hours)},
		}
	}
	doc.Sections = append(doc.Sections, rep)

	doc.Sections = append(doc.Sections, ageSexSection("age-sex", "Cases by five-year age group and sex", r.AgeSex, r.AgeSex.Data))

	demo := section("demographics", "Cases by age group and sex", r.Demographics)
	if len(r.Demographics.Data) > 0 {
		t := &reporting.Table{Columns: numeric("Age group", "Cases", "% cases", "Male", "% male", "Female", "% female")}
		for _, d := range r.Demographics.Data {
			t.Rows = append(t.Rows, []string{
				d.AgeGroup, itoa(d.Total), fmtFloat(d.PctCases, 1), itoa(d.Male), fmtFloat(d.PctMales, 1),
				itoa(d.Female), fmtFloat(d.PctFemales, 1),
			})
		}
		demo.Table = t
	}
	doc.Sections = append(doc.Sections, demo)

	gender := section("gender", "Sex distribution", r.Gender)
	for _, g := range r.Gender.Data {
		gender.Stats = append(gender.Stats, reporting.Stat{Label: g.Label, Value: itoa(g.Count), Note: fmtFloat(g.Percent, 1) + "%"})
	}
	doc.Sections = append(doc.Sections, gender)

	attack := section("attack-rates", "Attack rate by age and sex (per 100,000 cases of the same sex)", r.AttackRates)
	if len(r.AttackRates.Data) > 0 {
		t := &reporting.Table{Columns: numeric("Age group", "Sex", "Cases", "Rate")}
		t.Columns[1].Numeric = false
		for _, a := range r.AttackRates.Data {
			t.Rows = append(t.Rows, []string{a.AgeGroup, a.Sex, itoa(a.Cases), fmtFloat(a.Rate, 2)})
		}
		attack.Table = t
	}
	doc.Sections = append(doc.Sections, attack)

	deaths := section("deaths", "Deaths by district", r.Deaths)
	if len(r.Deaths.Data.ByDistrict) > 0 {
		t := &reporting.Table{Columns: numeric("District", "Deaths")}
		for _, d := range r.Deaths.Data.ByDistrict {
			t.Rows = append(t.Rows, []string{d.District, itoa(d.Deaths)})
		}
		deaths.Table = t
	}
	doc.Sections = append(doc.Sections, deaths)

	deathsByAge := section("deaths-by-age", "Deaths by age group", r.Deaths)
	if len(r.Deaths.Data.ByAge) > 0 {
		t := &reporting.Table{Columns: numeric("Age group", "Deaths")}
		for _, b := range r.Deaths.Data.ByAge {
			t.Rows = append(t.Rows, []string{b.AgeGroup, itoa(b.Count)})
		}
		deathsByAge.Table = t
	}
	doc.Sections = append(doc.Sections, deathsByAge)

	doc.Sections = append(doc.Sections, ageSexSection("deaths-by-age-sex", "Deaths by age group and sex", r.Deaths, r.Deaths.Data.ByAgeSex))

	for _, layer := range MapLayers {
		doc.Sections = append(doc.Sections, mapSection(layer, r.Maps[layer]))
	}
	return doc
}

func ageSexSection[T any](id, title string, res Result[T], rows []AgeSexRow) reporting.Section {
	sec := section(id, title, res)
	if len(rows) > 0 {
		t := &reporting.Table{Columns: numeric("Age group", "Male", "Female", "Unknown", "Total")}
		for _, row := range rows {
			t.Rows = append(t.Rows, []string{row.AgeGroup, itoa(row.Male), itoa(row.Female), itoa(row.Unknown), itoa(row.Total)})
		}
		sec.Table = t
	}
	return sec
}

var mapTitles = map[string]string{
	LayerCumulativeCases: "Map: cumulative cases by district",
	LayerReporting21Days: "Map: cases reported in the last 21 days",
	LayerAttackRate:      "Map: cumulative attack rate",
	LayerCurrentRate:     "Map: current attack rate (21 days)",
}

// mapSection prints a choropleth layer as a district table, largest first.
func mapSection(layer string, res Result[map[string]float64]) reporting.Section {
	sec := section("map-"+layer, mapTitles[layer], res)
	if len(res.Data) == 0 {
		return sec
	}
	districts := make([]string, 0, len(res.Data))
	for d := range res.Data {
		districts = append(districts, d)
	}
	sort.Slice(districts, func(i, j int) bool {
		a, b := res.Data[districts[i]], res.Data[districts[j]]
		if a != b {
			return a > b
		}
		return districts[i] < districts[j]
	})
	places := 2
	if layer == LayerCumulativeCases || layer == LayerReporting21Days {
		places = 0
	}
	t := &reporting.Table{Columns: numeric("District", "Value")}
	for _, d := range districts {
		t.Rows = append(t.Rows, []string{d, fmtFloat(res.Data[d], places)})
	}
	sec.Table = t
	return sec
}
