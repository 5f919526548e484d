package surveillance

import (
	"reflect"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func whereSQL(t *testing.T, f Filter) (string, []interface{}) {
	t.Helper()
	sql, args, err := sq.Select("e.event_id").
		From("dwh.fact_eidsr_event_data e").
		Where(EventPredicate(DefaultDisease(), f)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		t.Fatalf("ToSql: %v", err)
	}
	return sql, args
}

func TestEventPredicate_National(t *testing.T) {
	sql, args := whereSQL(t, Filter{Location: National})
	if strings.Contains(sql, "doh.") {
		t.Errorf("national scope should not filter the hierarchy: %s", sql)
	}
	if !strings.Contains(sql, "e.event_date IS NOT NULL") {
		t.Errorf("expected null dates excluded: %s", sql)
	}
	d := DefaultDisease()
	if !reflect.DeepEqual(args, []interface{}{d.ElementID, d.Value}) {
		t.Errorf("unexpected args %v", args)
	}
}

func TestEventPredicate_BindsEveryValue(t *testing.T) {
	loc := Location{Kind: LocationDistrict, Name: "Kampala'; DROP TABLE x; --", Label: "x"}
	sql, args := whereSQL(t, Filter{Location: loc, Year: 2024, Month: 3})
	if strings.Contains(sql, "Kampala") || strings.Contains(sql, "2024") {
		t.Errorf("values must not be spliced into SQL: %s", sql)
	}
	if !strings.Contains(sql, "doh.district_name ILIKE $3") {
		t.Errorf("expected district ILIKE: %s", sql)
	}
	if !strings.Contains(sql, "EXTRACT(YEAR FROM e.event_date) = $4") || !strings.Contains(sql, "EXTRACT(MONTH FROM e.event_date) = $5") {
		t.Errorf("expected year and month predicates: %s", sql)
	}
	if args[2] != "%"+loc.Name+"%" || args[3] != 2024 || args[4] != 3 {
		t.Errorf("unexpected args %v", args)
	}
}

func TestEventPredicate_Region(t *testing.T) {
	sql, _ := whereSQL(t, Filter{Location: Location{Kind: LocationRegion, Name: "Acholi"}})
	if !strings.Contains(sql, "doh.region_name ILIKE") {
		t.Errorf("expected region ILIKE: %s", sql)
	}
}

func TestEventPredicate_MonthNeedsYear(t *testing.T) {
	sql, _ := whereSQL(t, Filter{Location: National, Month: 3})
	if strings.Contains(sql, "MONTH") {
		t.Errorf("month without year should not filter: %s", sql)
	}
}

func TestEventPredicate_Windows(t *testing.T) {
	sql, args := whereSQL(t, Filter{Location: National, Days: 21, Hours: 24})
	if !strings.Contains(sql, "make_interval(days => $3::int)") || strings.Contains(sql, "hours") {
		t.Errorf("days should win over hours: %s", sql)
	}
	if args[2] != 21 {
		t.Errorf("unexpected args %v", args)
	}

	sql, _ = whereSQL(t, Filter{Location: National, Hours: 24})
	if !strings.Contains(sql, "make_interval(hours => $3::int)") {
		t.Errorf("expected hours window: %s", sql)
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	sql, args = whereSQL(t, Filter{Location: National, From: &from, To: &to})
	if !strings.Contains(sql, "e.event_date >= $3") || !strings.Contains(sql, "e.event_date <= $4") {
		t.Errorf("expected date range: %s", sql)
	}
	if args[2] != from || args[3] != to {
		t.Errorf("unexpected args %v", args)
	}
}

func TestFilter_Key(t *testing.T) {
	a := Filter{Location: Location{Kind: LocationDistrict, Name: "Kampala"}, Year: 2024}
	b := Filter{Location: Location{Kind: LocationDistrict, Name: "KAMPALA"}, Year: 2024}
	if a.Key() != b.Key() {
		t.Errorf("keys should ignore location case: %s vs %s", a.Key(), b.Key())
	}
	c := a
	c.Month = 2
	if a.Key() == c.Key() {
		t.Error("month should change the key")
	}
}
