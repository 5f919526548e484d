package surveillance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/eidsr/sitrep/internal/platform/cache"
)

// Report sizes per presentation block.
const (
	TopDistrictsN      = 10
	EpicurveDistrictsN = 12
	WeeklyShareN       = 5
	DeathDistrictsN    = 15
	LocationTopN       = 15
	WeeklyTableN       = 10
	TrendWeeksN        = 20
	RecentDays         = 21
)

// ReportRecorder is told about every situation report built.
type ReportRecorder interface {
	ObserveReport(degraded []string, elapsed time.Duration)
}

type Options struct {
	CacheTTL   time.Duration
	OptionsTTL time.Duration
	Mapping    AttributeMapping
	Recorder   ReportRecorder

	// ComputeTimeout bounds a shared computation once it no longer follows
	// the cancellation of the request that started it. Zero is unbounded.
	ComputeTimeout time.Duration
}

type Service struct {
	repo    Repository
	cache   cache.Store
	opts    Options
	now     func() time.Time
	flights singleflight.Group
}

func NewService(repo Repository, store cache.Store, opts Options) *Service {
	if len(opts.Mapping.Codes()) == 0 {
		opts.Mapping = DefaultAttributeMapping()
	}
	return &Service{repo: repo, cache: store, opts: opts, now: time.Now}
}

// Mapping returns the attribute mapping in use.
func (s *Service) Mapping() AttributeMapping { return s.opts.Mapping }

type cached[T any] struct {
	Data  T   `json:"data"`
	Count int `json:"count"`
}

// load serves key from the cache or computes it once, even when several
// callers miss at the same time. The computation is detached from the
// caller's cancellation so one disconnecting client cannot fail the others
// waiting on the same key; each caller still stops waiting when its own
// context ends. Failures are never cached.
func load[T any](ctx context.Context, s *Service, key string, ttl time.Duration, compute func(context.Context) (T, int, error)) (T, int, error) {
	log := zerolog.Ctx(ctx)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			var c cached[T]
			if err := json.Unmarshal(raw, &c); err == nil {
				return c.Data, c.Count, nil
			}
			log.Debug().Str("key", key).Msg("discarding undecodable cache entry")
		} else if !errors.Is(err, cache.ErrMiss) {
			log.Debug().Err(err).Str("key", key).Msg("cache read failed")
		}
	}

	ch := s.flights.DoChan(key, func() (interface{}, error) {
		cctx := context.WithoutCancel(ctx)
		if s.opts.ComputeTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(cctx, s.opts.ComputeTimeout)
			defer cancel()
		}
		data, n, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c := cached[T]{Data: data, Count: n}
		if s.cache != nil {
			if raw, err := json.Marshal(c); err == nil {
				if err := s.cache.Set(cctx, key, raw, ttl); err != nil {
					log.Warn().Err(err).Str("key", key).Msg("cache write failed")
				}
			}
		}
		return c, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, 0, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, 0, r.Err
		}
		c := r.Val.(cached[T])
		return c.Data, c.Count, nil
	}
}

// aggregate wraps one report block: cached, fault-isolated, status-tagged.
func aggregate[T any](ctx context.Context, s *Service, name string, f Filter, empty T, compute func(context.Context) (T, int, error)) Result[T] {
	data, n, err := load(ctx, s, "agg:"+name+":"+f.Key(), s.opts.CacheTTL, compute)
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("aggregate", name).
			Str("filter", f.Key()).
			Msg("aggregate degraded")
		return degraded(empty, fmt.Sprintf("%s is unavailable: the warehouse query failed", strings.ReplaceAll(name, "_", " ")))
	}
	return newResult(data, n)
}

func (s *Service) events(ctx context.Context, f Filter) ([]CaseEvent, error) {
	events, _, err := load(ctx, s, "events:"+f.Key(), s.opts.CacheTTL, func(ctx context.Context) ([]CaseEvent, int, error) {
		ev, err := s.repo.ListCaseEvents(ctx, f)
		return ev, len(ev), err
	})
	return events, err
}

func (s *Service) cases(ctx context.Context, f Filter) ([]Case, error) {
	cases, _, err := load(ctx, s, "cases:"+f.Key(), s.opts.CacheTTL, func(ctx context.Context) ([]Case, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		seen := map[string]bool{}
		var ids []string
		for _, e := range events {
			if e.EntityID != "" && !seen[e.EntityID] {
				seen[e.EntityID] = true
				ids = append(ids, e.EntityID)
			}
		}
		attrs, err := s.repo.ListEntityAttributes(ctx, ids, s.opts.Mapping.Codes())
		if err != nil {
			return nil, 0, err
		}
		c := BuildCases(events, attrs, s.opts.Mapping)
		return c, len(c), nil
	})
	return cases, err
}

func (s *Service) Summary(ctx context.Context, f Filter) Result[Summary] {
	return aggregate(ctx, s, "summary", f, Summary{}, func(ctx context.Context) (Summary, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return Summary{}, 0, err
		}
		cases, err := s.cases(ctx, f)
		if err != nil {
			return Summary{}, 0, err
		}
		sum := Summarize(events, cases, s.now())
		return sum, sum.TotalCases, nil
	})
}

// WeeklyTable is the epi-week table. Year 0 runs in cumulative mode over all
// years; otherwise the table covers that year only. Month and rolling windows
// do not apply.
func (s *Service) WeeklyTable(ctx context.Context, f Filter, n int) Result[[]WeeklyRow] {
	scope := Filter{Location: f.Location, Year: f.Year}
	return aggregate(ctx, s, fmt.Sprintf("weekly_table_%d", n), scope, []WeeklyRow{}, func(ctx context.Context) ([]WeeklyRow, int, error) {
		events, err := s.events(ctx, scope)
		if err != nil {
			return nil, 0, err
		}
		mode := SingleYear
		if scope.Year == 0 {
			mode = Cumulative
		}
		rows := WeeklySeries(events, mode, scope.Year, n)
		return rows, len(rows), nil
	})
}

func (s *Service) Trend(ctx context.Context, f Filter) Result[[]TrendRow] {
	return aggregate(ctx, s, "weekly_trend", f, []TrendRow{}, func(ctx context.Context) ([]TrendRow, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := WeeklyTrend(events, TrendWeeksN)
		return rows, len(rows), nil
	})
}

func (s *Service) WeeklyBySex(ctx context.Context, f Filter) Result[[]SexWeekRow] {
	return aggregate(ctx, s, "weekly_by_sex", f, []SexWeekRow{}, func(ctx context.Context) ([]SexWeekRow, int, error) {
		cases, err := s.cases(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := WeeklyBySex(cases, TrendWeeksN)
		return rows, len(rows), nil
	})
}

func (s *Service) TopDistricts(ctx context.Context, f Filter, n int) Result[[]DistrictSummary] {
	return aggregate(ctx, s, fmt.Sprintf("top_districts_%d", n), f, []DistrictSummary{}, func(ctx context.Context) ([]DistrictSummary, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		cases, err := s.cases(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := RankDistricts(SummarizeDistricts(events, DiedByEntity(cases)), n)
		return rows, len(rows), nil
	})
}

func (s *Service) TotalProportions(ctx context.Context, f Filter, n int) Result[[]DistrictShare] {
	return aggregate(ctx, s, fmt.Sprintf("district_proportions_%d", n), f, []DistrictShare{}, func(ctx context.Context) ([]DistrictShare, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := TotalProportions(events, n)
		return rows, len(rows), nil
	})
}

func (s *Service) WeeklyProportions(ctx context.Context, f Filter) Result[[]WeeklyShare] {
	return aggregate(ctx, s, "weekly_proportions", f, []WeeklyShare{}, func(ctx context.Context) ([]WeeklyShare, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := WeeklyProportions(events, WeeklyShareN)
		return rows, len(rows), nil
	})
}

func (s *Service) Epicurves(ctx context.Context, f Filter) Result[[]DistrictCurve] {
	return aggregate(ctx, s, "epicurves", f, []DistrictCurve{}, func(ctx context.Context) ([]DistrictCurve, int, error) {
		events, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := Epicurves(events, EpicurveDistrictsN)
		return rows, len(rows), nil
	})
}

func (s *Service) ReportingMetrics(ctx context.Context, f Filter) Result[ReportingMetrics] {
	return aggregate(ctx, s, "reporting_metrics", f, ReportingMetrics{}, func(ctx context.Context) (ReportingMetrics, int, error) {
		districts, err := s.repo.ListDistricts(ctx, f.Location)
		if err != nil {
			return ReportingMetrics{}, 0, err
		}
		events, err := s.events(ctx, f)
		if err != nil {
			return ReportingMetrics{}, 0, err
		}
		m := ComputeReportingMetrics(districts, events, s.now())
		return m, m.TotalDistricts, nil
	})
}

func (s *Service) AgeSex(ctx context.Context, f Filter, scheme AgeScheme) Result[[]AgeSexRow] {
	return aggregate(ctx, s, "age_sex_"+scheme.Name, f, []AgeSexRow{}, func(ctx context.Context) ([]AgeSexRow, int, error) {
		cases, err := s.cases(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		return AgeSexDistribution(cases, scheme), len(cases), nil
	})
}

func (s *Service) DemographicTable(ctx context.Context, f Filter) Result[[]DemographicRow] {
	return aggregate(ctx, s, "demographic_table", f, []DemographicRow{}, func(ctx context.Context) ([]DemographicRow, int, error) {
		cases, err := s.cases(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := DemographicTable(cases)
		return rows, len(rows), nil
	})
}

func (s *Service) Gender(ctx context.Context, f Filter) Result[[]Share] {
	return aggregate(ctx, s, "gender", f, []Share{}, func(ctx context.Context) ([]Share, int, error) {
		cases, err := s.cases(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := GenderDistribution(cases)
		return rows, len(rows), nil
	})
}

func (s *Service) AttackRates(ctx context.Context, f Filter) Result[[]AttackRateRow] {
	return aggregate(ctx, s, "attack_rates", f, []AttackRateRow{}, func(ctx context.Context) ([]AttackRateRow, int, error) {
		cases, err := s.cases(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		rows := AttackRatesByAgeSex(cases)
		return rows, len(rows), nil
	})
}

// Deaths groups the three death breakdowns.
type Deaths struct {
	Total      int              `json:"total"`
	ByDistrict []DistrictDeaths `json:"by_district"`
	ByAge      []BandCount      `json:"by_age"`
	ByAgeSex   []AgeSexRow      `json:"by_age_sex"`
}

func (s *Service) Deaths(ctx context.Context, f Filter) Result[Deaths] {
	empty := Deaths{ByDistrict: []DistrictDeaths{}, ByAge: []BandCount{}, ByAgeSex: []AgeSexRow{}}
	return aggregate(ctx, s, "deaths", f, empty, func(ctx context.Context) (Deaths, int, error) {
		cases, err := s.cases(ctx, f)
		if err != nil {
			return empty, 0, err
		}
		d := Deaths{
			Total:      TotalDeaths(cases),
			ByDistrict: DeathsByDistrict(cases, DeathDistrictsN),
			ByAge:      DeathsByAge(cases),
			ByAgeSex:   DeathsByAgeSex(cases),
		}
		return d, d.Total, nil
	})
}

// Map builds one choropleth layer. The 21-day layers ignore the period and
// look back from today.
func (s *Service) Map(ctx context.Context, f Filter, layer string) Result[map[string]float64] {
	return aggregate(ctx, s, "map_"+layer, f, map[string]float64{}, func(ctx context.Context) (map[string]float64, int, error) {
		all, err := s.events(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		var recent []CaseEvent
		if layer == LayerReporting21Days || layer == LayerCurrentRate {
			recent, err = s.events(ctx, Filter{Location: f.Location, Days: RecentDays})
			if err != nil {
				return nil, 0, err
			}
		}
		m, err := MapLayer(layer, all, recent)
		if err != nil {
			return nil, 0, err
		}
		return m, len(m), nil
	})
}

type locationSet struct {
	Regions   []string   `json:"regions"`
	Districts []District `json:"districts"`
}

func (s *Service) locationIndex(ctx context.Context) (*LocationIndex, error) {
	set, _, err := load(ctx, s, "options:locations", s.opts.OptionsTTL, func(ctx context.Context) (locationSet, int, error) {
		regions, err := s.repo.ListRegions(ctx)
		if err != nil {
			return locationSet{}, 0, err
		}
		districts, err := s.repo.ListDistricts(ctx, National)
		if err != nil {
			return locationSet{}, 0, err
		}
		return locationSet{Regions: regions, Districts: districts}, len(regions) + len(districts), nil
	})
	if err != nil {
		return nil, err
	}
	return NewLocationIndex(set.Regions, set.Districts), nil
}

// ResolveLocation maps a free-text location to the hierarchy. National
// aliases never touch the warehouse.
func (s *Service) ResolveLocation(ctx context.Context, raw string) (Location, error) {
	if nationalAliases[strings.ToLower(strings.TrimSpace(raw))] {
		return National, nil
	}
	idx, err := s.locationIndex(ctx)
	if err != nil {
		return Location{}, fmt.Errorf("load locations: %w", err)
	}
	return idx.Resolve(raw)
}

// LocationOptions lists national, regions, districts, and the districts with
// the most cases overall.
type LocationOptions struct {
	Locations    []Location      `json:"locations"`
	TopDistricts []DistrictShare `json:"top_districts"`
}

func (s *Service) LocationOptions(ctx context.Context) (LocationOptions, error) {
	idx, err := s.locationIndex(ctx)
	if err != nil {
		return LocationOptions{}, fmt.Errorf("load locations: %w", err)
	}
	top, _, err := load(ctx, s, "options:top_districts", s.opts.OptionsTTL, func(ctx context.Context) ([]DistrictShare, int, error) {
		events, err := s.events(ctx, Filter{Location: National})
		if err != nil {
			return nil, 0, err
		}
		rows := TotalProportions(events, LocationTopN)
		return rows, len(rows), nil
	})
	if err != nil {
		return LocationOptions{}, fmt.Errorf("load top districts: %w", err)
	}
	return LocationOptions{Locations: idx.Options(), TopDistricts: top}, nil
}

// PeriodOptions lists years newest first, each with its months that have data.
type PeriodOptions struct {
	Years  []int            `json:"years"`
	Months map[int][]Period `json:"months"`
}

func (s *Service) PeriodOptions(ctx context.Context) (PeriodOptions, error) {
	periods, _, err := load(ctx, s, "options:periods", s.opts.OptionsTTL, func(ctx context.Context) ([]Period, int, error) {
		p, err := s.repo.ListPeriods(ctx)
		return p, len(p), err
	})
	if err != nil {
		return PeriodOptions{}, fmt.Errorf("load periods: %w", err)
	}
	out := PeriodOptions{Years: []int{}, Months: map[int][]Period{}}
	for _, p := range periods {
		if _, ok := out.Months[p.Year]; !ok {
			out.Years = append(out.Years, p.Year)
		}
		out.Months[p.Year] = append(out.Months[p.Year], p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out.Years)))
	if len(out.Years) == 0 {
		y := s.now().Year()
		out.Years = []int{y}
		out.Months[y] = []Period{}
	}
	return out, nil
}

// CheckSchema verifies the warehouse tables and every mapped attribute code
// exist. A missing code is ErrMissingAttribute.
func (s *Service) CheckSchema(ctx context.Context) error {
	missing, err := s.repo.MissingTables(ctx, WarehouseTables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("warehouse tables missing: %s", strings.Join(missing, ", "))
	}

	if err := validate.Struct(s.opts.Mapping); err != nil {
		return fmt.Errorf("%w: mapping %s is incomplete: %s", ErrMissingAttribute, s.opts.Mapping.Version, describeValidation(err))
	}
	codes := s.opts.Mapping.Codes()
	present, err := s.repo.AttributeCodesPresent(ctx, codes)
	if err != nil {
		return err
	}
	var absent []string
	for _, c := range codes {
		if !present[c] {
			absent = append(absent, c)
		}
	}
	if len(absent) > 0 {
		return fmt.Errorf("%w: mapping %s: %s", ErrMissingAttribute, s.opts.Mapping.Version, strings.Join(absent, ", "))
	}
	return nil
}
