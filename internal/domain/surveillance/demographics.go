package surveillance

// AgeSexRow counts cases of one age band by sex.
type AgeSexRow struct {
	AgeGroup string `json:"age_group"`
	Male     int    `json:"male"`
	Female   int    `json:"female"`
	Unknown  int    `json:"unknown"`
	Total    int    `json:"total"`
}

func (r *AgeSexRow) add(sex string) {
	switch sex {
	case SexMale:
		r.Male++
	case SexFemale:
		r.Female++
	default:
		r.Unknown++
	}
	r.Total++
}

// tallyAgeSex returns one row per band of scheme in band order, followed by
// an Unknown row.
func tallyAgeSex(cases []Case, scheme AgeScheme, keep func(Case) bool) []AgeSexRow {
	labels := scheme.Labels()
	rows := make([]AgeSexRow, len(labels)+1)
	index := make(map[string]int, len(rows))
	for i, l := range labels {
		rows[i].AgeGroup = l
		index[l] = i
	}
	rows[len(labels)].AgeGroup = Unknown
	index[Unknown] = len(labels)

	for _, c := range cases {
		if keep != nil && !keep(c) {
			continue
		}
		rows[index[c.AgeBand(scheme)]].add(c.Sex)
	}
	return rows
}

// AgeSexDistribution counts cases per band and sex. Every band is listed so
// a pyramid keeps its shape; the Unknown row only when it has cases. No
// cases gives no rows.
func AgeSexDistribution(cases []Case, scheme AgeScheme) []AgeSexRow {
	if len(cases) == 0 {
		return []AgeSexRow{}
	}
	rows := tallyAgeSex(cases, scheme, nil)
	if rows[len(rows)-1].Total == 0 {
		rows = rows[:len(rows)-1]
	}
	return rows
}

// DemographicRow is one line of the coarse demographic table. Percentages
// are of all cases, all males, all females and all of unknown sex.
type DemographicRow struct {
	AgeSexRow
	PctCases   float64 `json:"pct_cases"`
	PctMales   float64 `json:"pct_males"`
	PctFemales float64 `json:"pct_females"`
	PctUnknown float64 `json:"pct_unknown"`
}

// DemographicTable is the coarse-band table with bands of zero cases dropped.
func DemographicTable(cases []Case) []DemographicRow {
	out := []DemographicRow{}
	if len(cases) == 0 {
		return out
	}
	rows := tallyAgeSex(cases, Coarse, nil)
	var all AgeSexRow
	for _, r := range rows {
		all.Male += r.Male
		all.Female += r.Female
		all.Unknown += r.Unknown
		all.Total += r.Total
	}
	for _, r := range rows {
		if r.Total == 0 {
			continue
		}
		out = append(out, DemographicRow{
			AgeSexRow:  r,
			PctCases:   Percent(r.Total, all.Total, 1),
			PctMales:   Percent(r.Male, all.Male, 1),
			PctFemales: Percent(r.Female, all.Female, 1),
			PctUnknown: Percent(r.Unknown, all.Unknown, 1),
		})
	}
	return out
}

// Share is a labelled count with its percentage of the whole.
type Share struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// GenderDistribution splits cases by sex, omitting empty categories.
func GenderDistribution(cases []Case) []Share {
	var row AgeSexRow
	for _, c := range cases {
		row.add(c.Sex)
	}
	out := []Share{}
	for _, s := range []Share{
		{Label: SexMale, Count: row.Male},
		{Label: SexFemale, Count: row.Female},
		{Label: Unknown, Count: row.Unknown},
	} {
		if s.Count == 0 {
			continue
		}
		s.Percent = Percent(s.Count, row.Total, 1)
		out = append(out, s)
	}
	return out
}

// AttackRateRow is the proportional rate of one age band and sex.
type AttackRateRow struct {
	AgeGroup string  `json:"age_group"`
	Sex      string  `json:"sex"`
	Cases    int     `json:"cases"`
	Rate     float64 `json:"rate"`
}

// AttackRatesByAgeSex expresses each band's cases per 100,000 of all cases of
// the same sex. Cases of unknown sex or age are left out.
func AttackRatesByAgeSex(cases []Case) []AttackRateRow {
	out := []AttackRateRow{}
	if len(cases) == 0 {
		return out
	}
	rows := tallyAgeSex(cases, AttackRate, nil)
	rows = rows[:len(rows)-1]

	var males, females int
	for _, r := range rows {
		males += r.Male
		females += r.Female
	}
	for _, r := range rows {
		if r.Male > 0 {
			out = append(out, AttackRateRow{AgeGroup: r.AgeGroup, Sex: SexMale, Cases: r.Male, Rate: ProportionalRate(r.Male, males)})
		}
		if r.Female > 0 {
			out = append(out, AttackRateRow{AgeGroup: r.AgeGroup, Sex: SexFemale, Cases: r.Female, Rate: ProportionalRate(r.Female, females)})
		}
	}
	return out
}

// BandCount is a count for one age band.
type BandCount struct {
	AgeGroup string `json:"age_group"`
	Count    int    `json:"count"`
}

func hasDied(c Case) bool { return c.Died }

// DeathsByAge counts deaths per coarse band, bands without deaths omitted.
func DeathsByAge(cases []Case) []BandCount {
	out := []BandCount{}
	for _, r := range tallyAgeSex(cases, Coarse, hasDied) {
		if r.Total > 0 {
			out = append(out, BandCount{AgeGroup: r.AgeGroup, Count: r.Total})
		}
	}
	return out
}

// DeathsByAgeSex counts deaths per five-year band and sex, bands without
// deaths omitted.
func DeathsByAgeSex(cases []Case) []AgeSexRow {
	out := []AgeSexRow{}
	for _, r := range tallyAgeSex(cases, FiveYear, hasDied) {
		if r.Total > 0 {
			out = append(out, r)
		}
	}
	return out
}

func TotalDeaths(cases []Case) int {
	n := 0
	for _, c := range cases {
		if c.Died {
			n++
		}
	}
	return n
}

// DiedByEntity indexes the death flag of every case with an entity.
func DiedByEntity(cases []Case) map[string]bool {
	out := make(map[string]bool, len(cases))
	for _, c := range cases {
		if c.EntityID != "" && c.Died {
			out[c.EntityID] = true
		}
	}
	return out
}
