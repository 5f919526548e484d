// Package surveillance turns measles case events from the eIDSR warehouse into
// the weekly, district and demographic aggregates of the situation report.
package surveillance

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownLocation  = errors.New("unknown location")
	ErrInvalidParams    = errors.New("invalid report parameters")
	ErrMissingAttribute = errors.New("attribute code not present in warehouse")
)

// CaseEvent is one confirmed measles event joined to its district.
type CaseEvent struct {
	EventID   string    `json:"event_id"`
	EventDate time.Time `json:"event_date"`
	District  string    `json:"district"`
	Region    string    `json:"region,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
}

// EntityAttribute is one tracked-entity attribute row.
type EntityAttribute struct {
	EntityID string `json:"entity_id"`
	Code     string `json:"code"`
	Value    string `json:"value"`
	Label    string `json:"label,omitempty"`
}

// Hierarchy levels in dim_eidsr_org_hierarchy.leaf_level.
const (
	LevelNational = 1
	LevelRegion   = 2
	LevelDistrict = 3
)

type District struct {
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
	Level  int    `json:"level"`
}

// Case is the demographic unit: one tracked entity (or one event when the
// event has no entity) with its classified attributes.
type Case struct {
	EventID   string    `json:"event_id"`
	EntityID  string    `json:"entity_id,omitempty"`
	EventDate time.Time `json:"event_date"`
	District  string    `json:"district"`
	Age       string    `json:"age,omitempty"`
	Sex       string    `json:"sex"`
	Died      bool      `json:"died"`
}

// Status tags every aggregate so the report can tell real zeros from failures.
type Status string

const (
	StatusOK       Status = "ok"
	StatusEmpty    Status = "empty"
	StatusDegraded Status = "degraded"
)

// Result wraps one aggregate. A degraded result always carries empty data.
type Result[T any] struct {
	Status  Status `json:"status"`
	Warning string `json:"warning,omitempty"`
	Data    T      `json:"data"`
}

func newResult[T any](data T, n int) Result[T] {
	if n == 0 {
		return Result[T]{Status: StatusEmpty, Data: data}
	}
	return Result[T]{Status: StatusOK, Data: data}
}

func degraded[T any](empty T, warning string) Result[T] {
	return Result[T]{Status: StatusDegraded, Warning: warning, Data: empty}
}

// Degraded reports whether the aggregate failed.
func (r Result[T]) Degraded() bool { return r.Status == StatusDegraded }

var sentinelDistricts = map[string]bool{
	"":                 true,
	"unknown":          true,
	"unknown district": true,
	"1 test district":  true,
}

// IsReportableDistrict reports whether name may appear in any output.
func IsReportableDistrict(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if sentinelDistricts[n] {
		return false
	}
	return !strings.Contains(n, "test district")
}
