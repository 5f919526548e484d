// Package reporting exposes individual surveillance indicators as named
// measures and renders assembled reports for print.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrBadParameters marks an Evaluate failure caused by the caller's input.
var ErrBadParameters = errors.New("invalid measure parameters")

// EvaluateFunc computes one measure for the given query parameters.
type EvaluateFunc func(ctx context.Context, params url.Values) (interface{}, error)

// Measure is a single indicator the catalog can evaluate.
type Measure struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  []string     `json:"parameters"`
	Evaluate    EvaluateFunc `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string            `json:"measure_id"`
	MeasureName string            `json:"measure_name"`
	GeneratedAt time.Time         `json:"generated_at"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      interface{}       `json:"result"`
}

// Catalog is an immutable, ID-ordered set of measures.
type Catalog struct {
	measures []Measure
	byID     map[string]int
}

func NewCatalog(measures ...Measure) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int, len(measures))}
	sorted := append([]Measure(nil), measures...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i, m := range sorted {
		if m.ID == "" || m.Evaluate == nil {
			return nil, fmt.Errorf("measure %q: id and evaluate func are required", m.Name)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate measure id %q", m.ID)
		}
		if m.Parameters == nil {
			sorted[i].Parameters = []string{}
		}
		c.byID[m.ID] = i
	}
	c.measures = sorted
	return c, nil
}

func (c *Catalog) List() []Measure {
	return append([]Measure(nil), c.measures...)
}

func (c *Catalog) Find(id string) (Measure, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Measure{}, false
	}
	return c.measures[i], true
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	catalog *Catalog
	now     func() time.Time
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports")
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalog.List())
}

// EvaluateMeasure runs one measure with the declared query parameters only.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	m, ok := h.catalog.Find(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	query := c.QueryParams()
	params := url.Values{}
	echoed := map[string]string{}
	for _, p := range m.Parameters {
		if v := query.Get(p); v != "" {
			params.Set(p, v)
			echoed[p] = v
		}
	}

	result, err := m.Evaluate(c.Request().Context(), params)
	if err != nil {
		if errors.Is(err, ErrBadParameters) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "measure evaluation failed").SetInternal(err)
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   m.ID,
		MeasureName: m.Name,
		GeneratedAt: h.now().UTC(),
		Parameters:  echoed,
		Result:      result,
	})
}
