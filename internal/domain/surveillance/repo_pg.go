package surveillance

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/eidsr/sitrep/internal/platform/db"
)

const (
	eventTable     = "dwh.fact_eidsr_event_data"
	attributeTable = "dwh.fact_eidsr_tracked_entity_attributes"
	hierarchyTable = "dwh.dim_eidsr_org_hierarchy"
)

// attributeBatch bounds the entity ids bound into one ANY($1) array.
const attributeBatch = 5000

type repoPG struct {
	reader  *db.Reader
	disease Disease
}

func NewRepoPG(reader *db.Reader, disease Disease) Repository {
	return &repoPG{reader: reader, disease: disease}
}

func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// collect runs a built statement through the retrying reader. Rows are
// collected afresh on every attempt so a retried query never duplicates.
func collect[T any](ctx context.Context, reader *db.Reader, stmt sq.Sqlizer, scan pgx.RowToFunc[T]) ([]T, error) {
	sql, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []T
	err = reader.Do(ctx, func(ctx context.Context, q db.Queryable) error {
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		items, err := pgx.CollectRows(rows, scan)
		if err != nil {
			return err
		}
		out = items
		return nil
	})
	return out, err
}

func eventsQuery(d Disease, f Filter) sq.SelectBuilder {
	return builder().
		Select(
			"DISTINCT e.event_id",
			"e.event_date",
			"COALESCE(doh.district_name, '')",
			"COALESCE(doh.region_name, '')",
			"COALESCE(e.tracked_entity_instance_id, '')",
		).
		From(eventTable + " e").
		LeftJoin(hierarchyTable + " doh ON e.dim_org_hierarchy_key = doh.dim_org_hierarchy_key").
		Where(EventPredicate(d, f)).
		OrderBy("e.event_date", "e.event_id")
}

func scanCaseEvent(row pgx.CollectableRow) (CaseEvent, error) {
	var e CaseEvent
	err := row.Scan(&e.EventID, &e.EventDate, &e.District, &e.Region, &e.EntityID)
	return e, err
}

func (r *repoPG) ListCaseEvents(ctx context.Context, f Filter) ([]CaseEvent, error) {
	out, err := collect(ctx, r.reader, eventsQuery(r.disease, f), scanCaseEvent)
	if err != nil {
		return nil, fmt.Errorf("list case events: %w", err)
	}
	return out, nil
}

func attributesQuery(entityIDs, codes []string) sq.SelectBuilder {
	return builder().
		Select("a.entity_id", "a.attribute_id", "a.attribute_value", "COALESCE(a.display_name, '')").
		From(attributeTable + " a").
		Where(sq.Expr("a.entity_id = ANY(?)", entityIDs)).
		Where(sq.Expr("a.attribute_id = ANY(?)", codes)).
		Where(sq.Expr("a.attribute_value IS NOT NULL")).
		OrderBy("a.entity_id", "a.attribute_id")
}

func scanAttribute(row pgx.CollectableRow) (EntityAttribute, error) {
	var a EntityAttribute
	err := row.Scan(&a.EntityID, &a.Code, &a.Value, &a.Label)
	return a, err
}

func (r *repoPG) ListEntityAttributes(ctx context.Context, entityIDs []string, codes []string) ([]EntityAttribute, error) {
	var out []EntityAttribute
	if len(entityIDs) == 0 || len(codes) == 0 {
		return out, nil
	}
	for start := 0; start < len(entityIDs); start += attributeBatch {
		end := start + attributeBatch
		if end > len(entityIDs) {
			end = len(entityIDs)
		}
		batch, err := collect(ctx, r.reader, attributesQuery(entityIDs[start:end], codes), scanAttribute)
		if err != nil {
			return nil, fmt.Errorf("list entity attributes: %w", err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func districtsQuery(loc Location) sq.SelectBuilder {
	q := builder().
		Select("doh.district_name", "COALESCE(MAX(doh.region_name), '')", "MAX(doh.leaf_level)").
		From(hierarchyTable + " doh").
		Where(sq.Expr("doh.district_name IS NOT NULL")).
		Where(sq.NotEq{"doh.district_name": []string{"Unknown", "Unknown District", "1 Test District"}}).
		GroupBy("doh.district_name").
		OrderBy("doh.district_name")
	if pred := LocationPredicate(loc); pred != nil {
		q = q.Where(pred)
	}
	return q
}

func (r *repoPG) ListDistricts(ctx context.Context, loc Location) ([]District, error) {
	out, err := collect(ctx, r.reader, districtsQuery(loc), func(row pgx.CollectableRow) (District, error) {
		var d District
		err := row.Scan(&d.Name, &d.Region, &d.Level)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	return out, nil
}

func (r *repoPG) ListRegions(ctx context.Context) ([]string, error) {
	q := builder().
		Select("DISTINCT doh.region_name").
		From(hierarchyTable + " doh").
		Where(sq.Expr("doh.region_name IS NOT NULL")).
		Where(sq.Expr("LOWER(doh.region_name) <> 'unknown'")).
		OrderBy("doh.region_name")

	out, err := collect(ctx, r.reader, q, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return out, nil
}

func periodsQuery(d Disease) sq.SelectBuilder {
	return builder().
		Select(
			"EXTRACT(YEAR FROM e.event_date)::int AS year",
			"EXTRACT(MONTH FROM e.event_date)::int AS month",
			"COUNT(DISTINCT e.event_id)",
		).
		From(eventTable + " e").
		Where(EventPredicate(d, Filter{})).
		GroupBy("1", "2").
		OrderBy("1 DESC", "2 DESC")
}

func (r *repoPG) ListPeriods(ctx context.Context) ([]Period, error) {
	out, err := collect(ctx, r.reader, periodsQuery(r.disease), func(row pgx.CollectableRow) (Period, error) {
		var p Period
		if err := row.Scan(&p.Year, &p.Month, &p.Cases); err != nil {
			return p, err
		}
		p.Name = time.Month(p.Month).String()
		p.Display = fmt.Sprintf("%s %d", p.Name, p.Year)
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	return out, nil
}

func (r *repoPG) AttributeCodesPresent(ctx context.Context, codes []string) (map[string]bool, error) {
	q := builder().
		Select("DISTINCT a.attribute_id").
		From(attributeTable + " a").
		Where(sq.Expr("a.attribute_id = ANY(?)", codes))

	found, err := collect(ctx, r.reader, q, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("check attribute codes: %w", err)
	}
	present := make(map[string]bool, len(found))
	for _, c := range found {
		present[c] = true
	}
	return present, nil
}

func (r *repoPG) MissingTables(ctx context.Context, tables []string) ([]string, error) {
	stmt := sq.Expr(`SELECT t.name FROM unnest($1::text[]) AS t(name) WHERE to_regclass(t.name) IS NULL`, tables)
	missing, err := collect(ctx, r.reader, stmt, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("check warehouse tables: %w", err)
	}
	return missing, nil
}
