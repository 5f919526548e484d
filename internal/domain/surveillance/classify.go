package surveillance

import (
	"strconv"
	"strings"
	"time"
)

const Unknown = "Unknown"

const (
	SexMale   = "Male"
	SexFemale = "Female"
)

type band struct {
	label string
	max   int // inclusive upper bound in whole years; -1 means open-ended
}

// AgeScheme is an ordered set of age bands. The first band is the youngest.
type AgeScheme struct {
	Name  string
	bands []band
}

// Labels lists the band labels, youngest first, without Unknown.
func (s AgeScheme) Labels() []string {
	out := make([]string, len(s.bands))
	for i, b := range s.bands {
		out[i] = b.label
	}
	return out
}

func (s AgeScheme) youngest() string { return s.bands[0].label }

func (s AgeScheme) bandFor(years int) string {
	if years < 0 {
		return Unknown
	}
	for _, b := range s.bands {
		if b.max < 0 || years <= b.max {
			return b.label
		}
	}
	return Unknown
}

var (
	FiveYear = AgeScheme{Name: "five_year", bands: []band{
		{"0-4", 4}, {"5-9", 9}, {"10-14", 14}, {"15-19", 19}, {"20-24", 24}, {"25-29", 29},
		{"30-34", 34}, {"35-39", 39}, {"40-44", 44}, {"45-49", 49}, {"50+", -1},
	}}
	Coarse = AgeScheme{Name: "coarse", bands: []band{
		{"<1", 0}, {"1-4", 4}, {"5-14", 14}, {"15-44", 44}, {"45+", -1},
	}}
	AttackRate = AgeScheme{Name: "attack_rate", bands: []band{
		{"0-4", 4}, {"5-14", 14}, {"15-19", 19}, {"20-24", 24}, {"25-29", 29},
		{"30-34", 34}, {"35-39", 39}, {"40-44", 44}, {"45-49", 49}, {"50+", -1},
	}}
	Decade = AgeScheme{Name: "decade", bands: []band{
		{"0-4", 4}, {"5-9", 9}, {"10-14", 14}, {"15-19", 19},
		{"20-29", 29}, {"30-39", 39}, {"40-49", 49}, {"50+", -1},
	}}
)

// SchemeByName resolves a scheme for query parameters.
func SchemeByName(name string) (AgeScheme, bool) {
	for _, s := range []AgeScheme{FiveYear, Coarse, AttackRate, Decade} {
		if s.Name == name {
			return s, true
		}
	}
	return AgeScheme{}, false
}

var dobLayouts = []string{"2006-01-02", "02/01/2006"}

// ClassifyAge maps a free-text age to a band of scheme. It never fails:
// anything it cannot read is Unknown.
func ClassifyAge(raw string, scheme AgeScheme) string {
	return ClassifyAt(raw, scheme, time.Now())
}

// ClassifyAt is ClassifyAge with an explicit reference date for values that
// are dates of birth.
func ClassifyAt(raw string, scheme AgeScheme, asOf time.Time) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return Unknown
	}

	for _, layout := range dobLayouts {
		if dob, err := time.Parse(layout, v); err == nil {
			return scheme.bandFor(wholeYears(dob, asOf))
		}
	}

	if n, err := strconv.Atoi(v); err == nil {
		return scheme.bandFor(n)
	}

	lower := strings.ToLower(v)
	if strings.Contains(lower, "month") || strings.Contains(lower, "week") {
		return scheme.youngest()
	}

	var digits strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() > 0 {
		if n, err := strconv.Atoi(digits.String()); err == nil {
			return scheme.bandFor(n)
		}
	}
	return Unknown
}

func wholeYears(dob, asOf time.Time) int {
	years := asOf.Year() - dob.Year()
	if asOf.Month() < dob.Month() || (asOf.Month() == dob.Month() && asOf.Day() < dob.Day()) {
		years--
	}
	return years
}

// ClassifySex applies the substring rule. "female" contains "male", so the
// male check excludes it; other compound words are taken literally.
func ClassifySex(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(v, "male") && !strings.Contains(v, "female"):
		return SexMale
	case strings.Contains(v, "female"):
		return SexFemale
	default:
		return Unknown
	}
}

var deathWords = []string{"death", "died", "dead"}

// IsDeath reports whether an outcome value records a death.
func IsDeath(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "yes" {
		return true
	}
	for _, w := range deathWords {
		if strings.Contains(v, w) {
			return true
		}
	}
	return false
}

// AttributeMapping pins each canonical field to warehouse attribute codes.
// Codes are listed in preference order.
type AttributeMapping struct {
	Version string   `json:"version"`
	Age     []string `json:"age" validate:"required,min=1,dive,required"`
	Sex     []string `json:"sex" validate:"required,min=1,dive,required"`
	Outcome []string `json:"outcome" validate:"required,min=1,dive,required"`
}

func DefaultAttributeMapping() AttributeMapping {
	return AttributeMapping{
		Version: "2024-1",
		Age:     []string{"UezutfURtQG"},
		Sex:     []string{"Rq4qM2wKYFL"},
		Outcome: []string{"ulE2j2pFgDl"},
	}
}

// Codes lists every mapped code once, in field order.
func (m AttributeMapping) Codes() []string {
	seen := map[string]bool{}
	var out []string
	for _, group := range [][]string{m.Age, m.Sex, m.Outcome} {
		for _, c := range group {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// PickAttribute returns the first non-empty value for the highest-preference
// code present. Within one code, warehouse row order decides.
func PickAttribute(attrs []EntityAttribute, codes ...string) (string, bool) {
	for _, code := range codes {
		for _, a := range attrs {
			if a.Code == code && strings.TrimSpace(a.Value) != "" {
				return a.Value, true
			}
		}
	}
	return "", false
}

// BuildCases collapses events to one Case per tracked entity, keeping the
// earliest event. Events without an entity are their own case.
func BuildCases(events []CaseEvent, attrs []EntityAttribute, m AttributeMapping) []Case {
	byEntity := make(map[string][]EntityAttribute)
	for _, a := range attrs {
		byEntity[a.EntityID] = append(byEntity[a.EntityID], a)
	}

	var (
		cases []Case
		index = make(map[string]int)
		seen  = make(map[string]bool)
	)
	for _, e := range events {
		if seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true

		if e.EntityID != "" {
			if i, ok := index[e.EntityID]; ok {
				if e.EventDate.Before(cases[i].EventDate) {
					cases[i].EventID, cases[i].EventDate, cases[i].District = e.EventID, e.EventDate, e.District
				}
				continue
			}
			index[e.EntityID] = len(cases)
		}

		var ea []EntityAttribute
		if e.EntityID != "" {
			ea = byEntity[e.EntityID]
		}
		age, _ := PickAttribute(ea, m.Age...)
		sex, _ := PickAttribute(ea, m.Sex...)
		outcome, _ := PickAttribute(ea, m.Outcome...)
		cases = append(cases, Case{
			EventID:   e.EventID,
			EntityID:  e.EntityID,
			EventDate: e.EventDate,
			District:  e.District,
			Age:       age,
			Sex:       ClassifySex(sex),
			Died:      IsDeath(outcome),
		})
	}
	return cases
}

// AgeBand classifies the case's age against the date of its event.
func (c Case) AgeBand(scheme AgeScheme) string {
	asOf := c.EventDate
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return ClassifyAt(c.Age, scheme, asOf)
}
