package surveillance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/eidsr/sitrep/internal/platform/reporting"
)

var scopeParams = []string{"year", "month", "location", "days", "hours"}

// scope parses and resolves measure parameters. Caller mistakes are tagged
// with reporting.ErrBadParameters.
func (s *Service) scope(ctx context.Context, q url.Values) (Filter, error) {
	p, err := ParseReportParams(q, s.now())
	if err != nil {
		return Filter{}, fmt.Errorf("%w: %w", reporting.ErrBadParameters, err)
	}
	loc, err := s.ResolveLocation(ctx, p.Location)
	if err != nil {
		if errors.Is(err, ErrUnknownLocation) {
			return Filter{}, fmt.Errorf("%w: %w", reporting.ErrBadParameters, err)
		}
		return Filter{}, err
	}
	return p.Filter(loc), nil
}

func measure[T any](s *Service, id, name, desc string, extra []string, eval func(ctx context.Context, f Filter, q url.Values) (Result[T], error)) reporting.Measure {
	params := append(append([]string{}, scopeParams...), extra...)
	return reporting.Measure{
		ID:          id,
		Name:        name,
		Description: desc,
		Parameters:  params,
		Evaluate: func(ctx context.Context, q url.Values) (interface{}, error) {
			f, err := s.scope(ctx, q)
			if err != nil {
				return nil, err
			}
			return eval(ctx, f, q)
		},
	}
}

func plain[T any](fn func(ctx context.Context, f Filter) Result[T]) func(context.Context, Filter, url.Values) (Result[T], error) {
	return func(ctx context.Context, f Filter, _ url.Values) (Result[T], error) {
		return fn(ctx, f), nil
	}
}

// Measures exposes every report block as an individually evaluable indicator.
func (s *Service) Measures() []reporting.Measure {
	return []reporting.Measure{
		measure(s, "summary", "Summary statistics",
			"Total cases, affected districts, 7/30 day and 24 hour counts, deaths and CFR.",
			nil, plain(s.Summary)),
		measure(s, "weekly-table", "Cases by epi-week",
			"Weekly counts with cumulative totals and week-over-week percent change. year=all runs over every year.",
			nil, plain(func(ctx context.Context, f Filter) Result[[]WeeklyRow] { return s.WeeklyTable(ctx, f, WeeklyTableN) })),
		measure(s, "weekly-trend", "Weekly trend",
			"Cases per week with a 7-week moving average.",
			nil, plain(s.Trend)),
		measure(s, "weekly-by-sex", "Weekly cases by sex",
			"Male and female cases per week.",
			nil, plain(s.WeeklyBySex)),
		measure(s, "top-districts", "Most affected districts",
			"Districts ranked by cases, with deaths, latest-week trend and share of total.",
			[]string{"limit"}, func(ctx context.Context, f Filter, q url.Values) (Result[[]DistrictSummary], error) {
				n, err := parseLimit(q.Get("limit"), TopDistrictsN)
				if err != nil {
					return Result[[]DistrictSummary]{}, err
				}
				return s.TopDistricts(ctx, f, n), nil
			}),
		measure(s, "district-proportions", "District share of cases",
			"Each district's share of all cases in scope.",
			nil, plain(func(ctx context.Context, f Filter) Result[[]DistrictShare] { return s.TotalProportions(ctx, f, 0) })),
		measure(s, "reporting-metrics", "District reporting",
			"Districts in scope, with cases, and reporting in the last 21 days and 24 hours.",
			nil, plain(s.ReportingMetrics)),
		measure(s, "attack-rates", "Attack rate by age and sex",
			"Cases per 100,000 cases of the same sex, by attack-rate age band.",
			nil, plain(s.AttackRates)),
		measure(s, "deaths", "Deaths",
			"Deaths in total, by district, by age band and by age band and sex.",
			nil, plain(s.Deaths)),
		measure(s, "gender", "Sex distribution",
			"Cases by sex.",
			nil, plain(s.Gender)),
	}
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 100 {
		return 0, fmt.Errorf("%w: limit must be between 1 and 100", reporting.ErrBadParameters)
	}
	return n, nil
}
