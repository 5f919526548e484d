package surveillance

import (
	"context"
)

// Repository is the read-only warehouse surface used by the service.
type Repository interface {
	ListCaseEvents(ctx context.Context, f Filter) ([]CaseEvent, error)
	ListEntityAttributes(ctx context.Context, entityIDs []string, codes []string) ([]EntityAttribute, error)
	ListDistricts(ctx context.Context, loc Location) ([]District, error)
	ListRegions(ctx context.Context) ([]string, error)
	ListPeriods(ctx context.Context) ([]Period, error)
	// Schema checks
	AttributeCodesPresent(ctx context.Context, codes []string) (map[string]bool, error)
	MissingTables(ctx context.Context, tables []string) ([]string, error)
}

// WarehouseTables are the relations the report reads.
var WarehouseTables = []string{
	"dwh.fact_eidsr_event_data",
	"dwh.fact_eidsr_tracked_entity_attributes",
	"dwh.dim_eidsr_org_hierarchy",
}
