package surveillance

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Disease identifies the tracked condition in the event fact table.
type Disease struct {
	ElementID string
	Value     string
}

func DefaultDisease() Disease {
	return Disease{ElementID: "qIlO7yEpiVv", Value: "Measles (B05.0_B05.9)"}
}

type LocationKind string

const (
	LocationNational LocationKind = "national"
	LocationRegion   LocationKind = "region"
	LocationDistrict LocationKind = "district"
)

// Location is a resolved reporting scope. Name is the warehouse value the
// hierarchy is matched against; Label is what the report prints.
type Location struct {
	Kind  LocationKind `json:"kind"`
	Name  string       `json:"name,omitempty"`
	Label string       `json:"label"`
}

var National = Location{Kind: LocationNational, Label: "National Level (MOH)"}

// Filter scopes case events. Zero fields do not restrict.
type Filter struct {
	Location Location
	Year     int
	Month    int // only applied together with Year
	Days     int
	Hours    int // ignored when Days is set
	From     *time.Time
	To       *time.Time
}

// Key identifies the filter in cache keys.
func (f Filter) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "loc=%s:%s|y=%d|m=%d|d=%d|h=%d", f.Location.Kind, strings.ToLower(f.Location.Name), f.Year, f.Month, f.Days, f.Hours)
	if f.From != nil {
		fmt.Fprintf(&b, "|from=%s", f.From.Format(time.RFC3339))
	}
	if f.To != nil {
		fmt.Fprintf(&b, "|to=%s", f.To.Format(time.RFC3339))
	}
	return b.String()
}

// LocationPredicate restricts the hierarchy alias doh to the location. The
// national scope yields nil.
func LocationPredicate(loc Location) sq.Sqlizer {
	switch loc.Kind {
	case LocationRegion:
		return sq.ILike{"doh.region_name": "%" + loc.Name + "%"}
	case LocationDistrict:
		return sq.ILike{"doh.district_name": "%" + loc.Name + "%"}
	default:
		return nil
	}
}

// EventPredicate builds the WHERE clause over the event alias e and the
// hierarchy alias doh. Every value is a bound parameter.
func EventPredicate(d Disease, f Filter) sq.And {
	where := sq.And{
		sq.Eq{"e.data_element_id": d.ElementID, "e.data_value": d.Value},
		sq.Expr("e.event_date IS NOT NULL"),
	}
	if loc := LocationPredicate(f.Location); loc != nil {
		where = append(where, loc)
	}
	if f.Year > 0 {
		where = append(where, sq.Expr("EXTRACT(YEAR FROM e.event_date) = ?", f.Year))
		if f.Month >= 1 && f.Month <= 12 {
			where = append(where, sq.Expr("EXTRACT(MONTH FROM e.event_date) = ?", f.Month))
		}
	}
	switch {
	case f.Days > 0:
		where = append(where, sq.Expr("e.event_date >= CURRENT_DATE - make_interval(days => ?::int)", f.Days))
	case f.Hours > 0:
		where = append(where, sq.Expr("e.event_date >= CURRENT_TIMESTAMP - make_interval(hours => ?::int)", f.Hours))
	}
	if f.From != nil {
		where = append(where, sq.GtOrEq{"e.event_date": *f.From})
	}
	if f.To != nil {
		where = append(where, sq.LtOrEq{"e.event_date": *f.To})
	}
	return where
}
