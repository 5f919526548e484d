package surveillance

import (
	"math"
	"testing"
	"time"
)

func person(age, sex string, died bool) Case {
	return Case{EventDate: day("2024-05-01"), District: "A", Age: age, Sex: sex, Died: died}
}

func TestAgeSexDistribution(t *testing.T) {
	cases := []Case{
		person("2", SexMale, false),
		person("7", SexFemale, false),
		person("8", SexMale, false),
		person("3 months", SexFemale, false),
		person("abc", Unknown, false),
	}
	rows := AgeSexDistribution(cases, FiveYear)
	if len(rows) != len(FiveYear.Labels())+1 {
		t.Fatalf("expected every band plus Unknown, got %d rows", len(rows))
	}
	if rows[0].AgeGroup != "0-4" || rows[0].Male != 1 || rows[0].Female != 1 || rows[0].Total != 2 {
		t.Errorf("unexpected 0-4 row %+v", rows[0])
	}
	if rows[1].AgeGroup != "5-9" || rows[1].Total != 2 {
		t.Errorf("unexpected 5-9 row %+v", rows[1])
	}
	last := rows[len(rows)-1]
	if last.AgeGroup != Unknown || last.Unknown != 1 {
		t.Errorf("unexpected Unknown row %+v", last)
	}
}

func TestAgeSexDistribution_NoUnknownRow(t *testing.T) {
	rows := AgeSexDistribution([]Case{person("30", SexMale, false)}, Coarse)
	if len(rows) != len(Coarse.Labels()) {
		t.Errorf("expected no Unknown row, got %d rows", len(rows))
	}
	if rows := AgeSexDistribution(nil, Coarse); len(rows) != 0 {
		t.Errorf("expected no rows for no cases, got %d", len(rows))
	}
}

func TestDemographicTable(t *testing.T) {
	cases := []Case{
		person("0", SexMale, false),
		person("10", SexMale, false),
		person("12", SexFemale, false),
		person("13", SexFemale, false),
	}
	rows := DemographicTable(cases)
	if len(rows) != 2 {
		t.Fatalf("expected empty bands dropped, got %d rows", len(rows))
	}
	if rows[0].AgeGroup != "<1" || rows[0].PctCases != 25 || rows[0].PctMales != 50 || rows[0].PctFemales != 0 {
		t.Errorf("unexpected <1 row %+v", rows[0])
	}
	if rows[1].AgeGroup != "5-14" || rows[1].PctCases != 75 || rows[1].PctFemales != 100 {
		t.Errorf("unexpected 5-14 row %+v", rows[1])
	}
}

func TestGenderDistribution(t *testing.T) {
	cases := []Case{person("", SexMale, false), person("", SexMale, false), person("", SexFemale, false)}
	got := GenderDistribution(cases)
	if len(got) != 2 {
		t.Fatalf("expected Unknown omitted, got %+v", got)
	}
	if got[0].Label != SexMale || got[0].Count != 2 || got[0].Percent != 66.7 {
		t.Errorf("unexpected male share %+v", got[0])
	}
	if got[1].Label != SexFemale || got[1].Percent != 33.3 {
		t.Errorf("unexpected female share %+v", got[1])
	}
}

func TestAttackRatesByAgeSex(t *testing.T) {
	cases := []Case{
		person("1", SexMale, false),
		person("7", SexMale, false),
		person("8", SexMale, false),
		person("7", SexFemale, false),
		person("7", Unknown, false),
		person("abc", SexFemale, false),
	}
	rows := AttackRatesByAgeSex(cases)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %+v", rows)
	}
	sums := map[string]float64{}
	for _, r := range rows {
		sums[r.Sex] += r.Rate
	}
	if math.Abs(sums[SexMale]-100000) > 0.05 || sums[SexFemale] != 100000 {
		t.Errorf("rates per sex should sum to 100000, got %v", sums)
	}
	if rows[0].AgeGroup != "0-4" || rows[0].Rate != 33333.33 {
		t.Errorf("unexpected first row %+v", rows[0])
	}
}

func TestDeathBreakdowns(t *testing.T) {
	cases := []Case{
		person("0", SexMale, true),
		person("3", SexFemale, true),
		person("20", SexFemale, false),
		person("abc", SexMale, true),
	}
	if got := TotalDeaths(cases); got != 3 {
		t.Errorf("expected 3 deaths, got %d", got)
	}

	byAge := DeathsByAge(cases)
	want := []BandCount{{"<1", 1}, {"1-4", 1}, {Unknown, 1}}
	if len(byAge) != len(want) {
		t.Fatalf("expected %v, got %v", want, byAge)
	}
	for i := range want {
		if byAge[i] != want[i] {
			t.Errorf("position %d: expected %v, got %v", i, want[i], byAge[i])
		}
	}

	byAgeSex := DeathsByAgeSex(cases)
	if len(byAgeSex) != 2 || byAgeSex[0].AgeGroup != "0-4" || byAgeSex[0].Male != 1 || byAgeSex[0].Female != 1 {
		t.Errorf("unexpected age-sex deaths %+v", byAgeSex)
	}
}

func TestDiedByEntity(t *testing.T) {
	got := DiedByEntity([]Case{{EntityID: "p1", Died: true}, {EntityID: "p2"}, {Died: true}})
	if len(got) != 1 || !got["p1"] {
		t.Errorf("unexpected index %v", got)
	}
}

func TestSummarize(t *testing.T) {
	now := time.Date(2024, 3, 30, 15, 0, 0, 0, time.UTC)
	events := []CaseEvent{
		{EventID: "1", District: "A", EventDate: time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC)},
		{EventID: "2", District: "A", EventDate: time.Date(2024, 3, 27, 12, 0, 0, 0, time.UTC)},
		{EventID: "3", District: "B", EventDate: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{EventID: "4", District: "Unknown", EventDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)},
		{EventID: "4", District: "Unknown", EventDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)},
	}
	cases := []Case{{Died: true}, {}, {}, {}}
	s := Summarize(events, cases, now)
	if s.TotalCases != 4 || s.AffectedDistricts != 2 || s.TotalDeaths != 1 {
		t.Errorf("unexpected totals %+v", s)
	}
	if s.CasesLast7Days != 2 || s.CasesLast30Days != 3 || s.CasesLast24Hours != 2 {
		t.Errorf("unexpected windows %+v", s)
	}
	if s.CFR != 25 {
		t.Errorf("expected CFR 25, got %v", s.CFR)
	}
	if s.LatestEventDate == nil || !s.LatestEventDate.Equal(events[0].EventDate) {
		t.Errorf("unexpected latest date %v", s.LatestEventDate)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, nil, time.Now())
	if s.TotalCases != 0 || s.CFR != 0 || s.LatestEventDate != nil {
		t.Errorf("expected zero summary, got %+v", s)
	}
}
