package surveillance

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ReportParams is the validated parameter surface of every report endpoint.
// Year 0 means all years.
type ReportParams struct {
	Year     int    `json:"year" validate:"omitempty,min=2000,max=2100"`
	Month    int    `json:"month" validate:"min=0,max=12"`
	Location string `json:"location" validate:"max=200"`
	Days     int    `json:"days,omitempty" validate:"min=0,max=3660"`
	Hours    int    `json:"hours,omitempty" validate:"min=0,max=8784"`
}

func first(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// ParseReportParams reads year/y, month/m, location/l, days and hours.
// A missing or non-numeric year is the current year and "all" is every
// year. month also takes the display form "May 2025" or "All Months 2025",
// whose year applies when year is absent and must agree with it otherwise.
// An unreadable month is all months. Out of range numbers are errors.
func ParseReportParams(q url.Values, now time.Time) (ReportParams, error) {
	p := ReportParams{Year: now.Year()}

	y := strings.ToLower(first(q, "year", "y"))
	switch y {
	case "":
	case "all":
		p.Year = 0
	default:
		if n, err := strconv.Atoi(y); err == nil {
			p.Year = n
		}
	}

	m := first(q, "month", "m")
	if month, year, err := ParseMonthLabel(m); err == nil {
		if y != "" && p.Year != year {
			return p, fmt.Errorf("%w: month %q does not match year %s", ErrInvalidParams, m, y)
		}
		p.Year, p.Month = year, month
	} else {
		p.Month = ParseMonth(m)
	}
	p.Location = first(q, "location", "l")

	for key, dst := range map[string]*int{"days": &p.Days, "hours": &p.Hours} {
		if v := first(q, key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return p, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
			}
			*dst = n
		}
	}

	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %s", ErrInvalidParams, describeValidation(err))
	}
	return p, nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
	}
	return strings.Join(msgs, "; ")
}

// ParseMonth accepts 1-12 and full or three-letter English month names.
// Anything else, including "all", is 0.
func ParseMonth(v string) int {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n >= 1 && n <= 12 {
			return n
		}
		return 0
	}
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		if v == name || v == name[:3] {
			return int(m)
		}
	}
	return 0
}

// MonthLabel renders "<Month> <Year>" or "All Months <Year>".
func (p ReportParams) MonthLabel() string {
	if p.Year == 0 {
		return "All Years"
	}
	if p.Month == 0 {
		return fmt.Sprintf("All Months %d", p.Year)
	}
	return fmt.Sprintf("%s %d", time.Month(p.Month), p.Year)
}

// ParseMonthLabel reverses MonthLabel. A trailing "(N cases)" suffix is
// tolerated.
func ParseMonthLabel(label string) (month, year int, err error) {
	s := strings.TrimSpace(label)
	if i := strings.Index(s, "("); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("%w: month label %q", ErrInvalidParams, label)
	}
	year, err = strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: month label %q", ErrInvalidParams, label)
	}
	name := strings.Join(fields[:len(fields)-1], " ")
	if strings.EqualFold(name, "All Months") {
		return 0, year, nil
	}
	month = ParseMonth(name)
	if month == 0 {
		return 0, 0, fmt.Errorf("%w: month label %q", ErrInvalidParams, label)
	}
	return month, year, nil
}

// LocationIndex resolves free-text locations against the hierarchy.
type LocationIndex struct {
	regions   map[string]string
	districts map[string]string
}

func NewLocationIndex(regions []string, districts []District) *LocationIndex {
	idx := &LocationIndex{regions: map[string]string{}, districts: map[string]string{}}
	for _, r := range regions {
		if k := strings.ToLower(strings.TrimSpace(r)); k != "" && k != "unknown" {
			idx.regions[k] = r
		}
	}
	for _, d := range districts {
		if !IsReportableDistrict(d.Name) {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(d.Name))
		idx.districts[k] = d.Name
		idx.districts[strings.TrimSuffix(k, " district")] = d.Name
	}
	return idx
}

var nationalAliases = map[string]bool{
	"":                               true,
	"national":                       true,
	"national level":                 true,
	"national level (moh)":           true,
	"national level (moh) - 1 units": true,
	"uganda":                         true,
	"uganda (national)":              true,
}

// Resolve maps "National", "<Region> Region", "<District>" or "<District>
// District" to a Location, or ErrUnknownLocation.
func (idx *LocationIndex) Resolve(raw string) (Location, error) {
	k := strings.ToLower(strings.TrimSpace(raw))
	if nationalAliases[k] {
		return National, nil
	}
	if strings.HasSuffix(k, " region") {
		if name, ok := idx.regions[strings.TrimSpace(strings.TrimSuffix(k, " region"))]; ok {
			return Location{Kind: LocationRegion, Name: name, Label: name + " Region"}, nil
		}
	}
	if name, ok := idx.districts[k]; ok {
		return Location{Kind: LocationDistrict, Name: name, Label: districtLabel(name)}, nil
	}
	if name, ok := idx.regions[k]; ok {
		return Location{Kind: LocationRegion, Name: name, Label: name + " Region"}, nil
	}
	return Location{}, fmt.Errorf("%w: %q", ErrUnknownLocation, raw)
}

func districtLabel(name string) string {
	if strings.HasSuffix(strings.ToLower(name), " district") {
		return name
	}
	return name + " District"
}

// Options lists the location choices: national, regions, then districts.
func (idx *LocationIndex) Options() []Location {
	out := []Location{National}
	regions := make([]string, 0, len(idx.regions))
	for _, r := range idx.regions {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	for _, r := range regions {
		out = append(out, Location{Kind: LocationRegion, Name: r, Label: r + " Region"})
	}

	seen := map[string]bool{}
	districts := make([]string, 0, len(idx.districts))
	for _, d := range idx.districts {
		if !seen[d] {
			seen[d] = true
			districts = append(districts, d)
		}
	}
	sort.Strings(districts)
	for _, d := range districts {
		out = append(out, Location{Kind: LocationDistrict, Name: d, Label: districtLabel(d)})
	}
	return out
}

// Filter turns validated parameters and a resolved location into a Filter.
func (p ReportParams) Filter(loc Location) Filter {
	return Filter{Location: loc, Year: p.Year, Month: p.Month, Days: p.Days, Hours: p.Hours}
}

// Period is one month with measles data.
type Period struct {
	Year    int    `json:"year"`
	Month   int    `json:"month"`
	Name    string `json:"name"`
	Cases   int    `json:"cases"`
	Display string `json:"display"`
}
