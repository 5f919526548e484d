package surveillance

import (
	"strconv"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ev(id, date, district, entity string) CaseEvent {
	return CaseEvent{EventID: id, EventDate: day(date), District: district, EntityID: entity}
}

func TestWeekOf(t *testing.T) {
	tests := []struct {
		date string
		want EpiWeek
	}{
		{"2024-01-01", EpiWeek{2024, 1}},
		{"2024-03-04", EpiWeek{2024, 10}},
		{"2024-03-17", EpiWeek{2024, 11}},
		{"2021-01-03", EpiWeek{2020, 53}},
		{"2019-12-30", EpiWeek{2020, 1}},
	}
	for _, tt := range tests {
		if got := WeekOf(day(tt.date)); got != tt.want {
			t.Errorf("WeekOf(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestEpiWeek_Prev(t *testing.T) {
	tests := []struct {
		in, want EpiWeek
	}{
		{EpiWeek{2024, 11}, EpiWeek{2024, 10}},
		{EpiWeek{2024, 1}, EpiWeek{2023, 52}},
		{EpiWeek{2021, 1}, EpiWeek{2020, 52}},
		{EpiWeek{2020, 53}, EpiWeek{2020, 52}},
	}
	for _, tt := range tests {
		if got := tt.in.Prev(); got != tt.want {
			t.Errorf("%v.Prev() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEpiWeek_String(t *testing.T) {
	if got := (EpiWeek{2024, 3}).String(); got != "2024-W03" {
		t.Errorf("expected 2024-W03, got %s", got)
	}
}

func TestWeeklySeries_DistrictScenario(t *testing.T) {
	events := []CaseEvent{
		ev("e1", "2024-03-05", "d1", ""),
		ev("e2", "2024-03-12", "d1", ""),
		ev("e3", "2024-03-14", "d1", ""),
	}
	rows := WeeklySeries(events, SingleYear, 2024, 0)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	w11, w10 := rows[0], rows[1]
	if w10.Week != 10 || w10.Cases != 1 || w10.Cumulative != 1 {
		t.Errorf("week 10: got %+v", w10)
	}
	if w11.Week != 11 || w11.Cases != 2 || w11.Cumulative != 3 {
		t.Errorf("week 11: got %+v", w11)
	}
	if w10.PercentChange != nil {
		t.Errorf("expected nil change for first week, got %v", *w10.PercentChange)
	}
	if w11.PercentChange == nil || *w11.PercentChange != 100 {
		t.Errorf("expected +100%% change, got %v", w11.PercentChange)
	}
}

func TestWeeklySeries_CumulativeIsMonotonic(t *testing.T) {
	events := []CaseEvent{
		ev("a", "2023-11-20", "d1", ""),
		ev("b", "2023-12-27", "d1", ""),
		ev("c", "2024-01-02", "d2", ""),
		ev("d", "2024-01-03", "d2", ""),
		ev("e", "2024-02-14", "d3", ""),
		ev("f", "2024-02-15", "d3", ""),
		ev("g", "2024-02-16", "d3", ""),
	}
	rows := WeeklySeries(events, Cumulative, 0, 0)
	if len(rows) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(rows))
	}
	for i := 0; i+1 < len(rows); i++ {
		if !rowWeek(rows[i+1]).Before(rowWeek(rows[i])) {
			t.Errorf("rows not newest first at %d", i)
		}
		if rows[i].Cumulative < rows[i+1].Cumulative {
			t.Errorf("cumulative decreased: %d after %d", rows[i].Cumulative, rows[i+1].Cumulative)
		}
	}
	if rows[0].Cumulative != len(events) {
		t.Errorf("expected final cumulative %d, got %d", len(events), rows[0].Cumulative)
	}
}

func rowWeek(r WeeklyRow) EpiWeek { return EpiWeek{r.Year, r.Week} }

func TestWeeklySeries_SingleYearRestartsTotal(t *testing.T) {
	events := []CaseEvent{
		ev("a", "2023-12-20", "d1", ""),
		ev("b", "2023-12-21", "d1", ""),
		ev("c", "2024-01-10", "d1", ""),
	}
	rows := WeeklySeries(events, SingleYear, 2024, 0)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Cumulative != 1 {
		t.Errorf("expected cumulative 1, got %d", rows[0].Cumulative)
	}
	if rows[0].PercentChange != nil {
		t.Error("expected nil change at the start of the year")
	}
}

func TestCalendarWeekOf(t *testing.T) {
	tests := []struct {
		date string
		want EpiWeek
	}{
		{"2024-03-04", EpiWeek{2024, 10}},
		{"2024-12-30", EpiWeek{2024, 52}},
		{"2020-12-31", EpiWeek{2020, 53}},
		{"2027-01-01", EpiWeek{2027, 1}},
		{"2021-01-03", EpiWeek{2021, 1}},
	}
	for _, tt := range tests {
		if got := CalendarWeekOf(day(tt.date)); got != tt.want {
			t.Errorf("CalendarWeekOf(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestWeeklySeries_SingleYearKeepsYearEndDays(t *testing.T) {
	events := []CaseEvent{
		ev("a", "2024-12-20", "d1", ""),
		ev("b", "2024-12-30", "d1", ""),
		ev("c", "2024-12-31", "d1", ""),
	}
	rows := WeeklySeries(events, SingleYear, 2024, 0)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
	if rowWeek(rows[0]) != (EpiWeek{2024, 52}) || rows[0].Cases != 2 {
		t.Errorf("expected the year-end days in 2024-W52, got %+v", rows[0])
	}
	if rows[0].Cumulative != len(events) {
		t.Errorf("expected every event counted, cumulative %d", rows[0].Cumulative)
	}

	rows = WeeklySeries([]CaseEvent{ev("d", "2027-01-01", "d1", "")}, SingleYear, 2027, 0)
	if len(rows) != 1 || rowWeek(rows[0]) != (EpiWeek{2027, 1}) {
		t.Errorf("expected 2027-01-01 in 2027-W01, got %+v", rows)
	}
}

func TestWeeklySeries_TruncatesAfterComputing(t *testing.T) {
	events := []CaseEvent{
		ev("a", "2024-01-02", "d1", ""),
		ev("b", "2024-01-09", "d1", ""),
		ev("c", "2024-01-16", "d1", ""),
		ev("d", "2024-01-17", "d1", ""),
	}
	rows := WeeklySeries(events, SingleYear, 2024, 1)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Week != 3 || rows[0].Cumulative != 4 {
		t.Errorf("expected week 3 with cumulative 4, got %+v", rows[0])
	}
	if rows[0].PercentChange == nil || *rows[0].PercentChange != 100 {
		t.Errorf("expected +100%% against week 2, got %v", rows[0].PercentChange)
	}
}

func TestWeeklySeries_DuplicateEventIDsCountOnce(t *testing.T) {
	events := []CaseEvent{
		ev("a", "2024-01-02", "d1", ""),
		ev("a", "2024-01-02", "d1", ""),
	}
	rows := WeeklySeries(events, SingleYear, 2024, 0)
	if len(rows) != 1 || rows[0].Cases != 1 {
		t.Errorf("expected one case, got %+v", rows)
	}
}

func TestWeeklySeries_Empty(t *testing.T) {
	if rows := WeeklySeries(nil, Cumulative, 0, 10); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestWeekStart(t *testing.T) {
	for _, d := range []string{"2024-03-04", "2024-03-06", "2024-03-10"} {
		if got := WeekStart(day(d)); !got.Equal(day("2024-03-04")) {
			t.Errorf("WeekStart(%s) = %s", d, got.Format("2006-01-02"))
		}
	}
}

func TestWeeklyTrend_MovingAverage(t *testing.T) {
	var events []CaseEvent
	start := day("2024-01-01")
	id := 0
	// Week i has i+1 cases for i in 0..7.
	for w := 0; w < 8; w++ {
		for k := 0; k <= w; k++ {
			id++
			events = append(events, CaseEvent{EventID: strconv.Itoa(id), EventDate: start.AddDate(0, 0, 7*w+k%7)})
		}
	}
	rows := WeeklyTrend(events, 0)
	if len(rows) != 8 {
		t.Fatalf("expected 8 weeks, got %d", len(rows))
	}
	oldest := rows[len(rows)-1]
	if oldest.Cases != 1 || oldest.MovingAverage != 1 {
		t.Errorf("oldest week: got %+v", oldest)
	}
	// Newest week averages weeks 2..8 cases: (2+...+8)/7 = 5.
	if rows[0].Cases != 8 || rows[0].MovingAverage != 5 {
		t.Errorf("newest week: got %+v", rows[0])
	}
	if got := WeeklyTrend(events, 3); len(got) != 3 || !got[0].WeekStart.Equal(rows[0].WeekStart) {
		t.Errorf("expected the 3 newest weeks, got %d", len(got))
	}
}

func TestWeeklyBySex(t *testing.T) {
	cases := []Case{
		{EventID: "1", EventDate: day("2024-01-02"), Sex: SexMale},
		{EventID: "2", EventDate: day("2024-01-03"), Sex: SexFemale},
		{EventID: "3", EventDate: day("2024-01-04"), Sex: SexFemale},
		{EventID: "4", EventDate: day("2024-01-10"), Sex: SexMale},
		{EventID: "5", EventDate: day("2024-01-17"), Sex: Unknown},
	}
	rows := WeeklyBySex(cases, 0)
	if len(rows) != 2 {
		t.Fatalf("expected 2 weeks, got %d", len(rows))
	}
	if rows[0].Male != 1 || rows[0].Female != 0 {
		t.Errorf("newest week: got %+v", rows[0])
	}
	if rows[1].Male != 1 || rows[1].Female != 2 {
		t.Errorf("oldest week: got %+v", rows[1])
	}
}
