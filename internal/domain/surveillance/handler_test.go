package surveillance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/labstack/echo/v4"

	"github.com/eidsr/sitrep/internal/platform/archive"
	"github.com/eidsr/sitrep/internal/platform/auth"
	"github.com/eidsr/sitrep/internal/platform/reporting"
)

func newTestHandler(t *testing.T, repo *mockRepo) (*Handler, *archive.Memory, *echo.Echo) {
	t.Helper()
	svc := newTestService(repo)
	renderer, err := reporting.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	store := archive.NewMemory()
	return NewHandler(svc, NewPublisher(svc, renderer, store)), store, echo.New()
}

func get(e *echo.Echo, target string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_GetSummary(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/?year=2024")

	if err := h.GetSummary(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var res Result[Summary]
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != StatusOK || res.Data.TotalCases != 5 {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_BadParameters(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	for _, target := range []string{"/?year=1900", "/?location=Atlantis", "/?days=abc"} {
		c, _ := get(e, target)
		if code := httpStatus(t, h.GetSummary(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, code)
		}
	}
}

func TestHandler_LocationsUnavailable(t *testing.T) {
	repo := newMockRepo()
	repo.failRegions = true
	h, _, e := newTestHandler(t, repo)
	c, _ := get(e, "/?location=Gulu")
	if code := httpStatus(t, h.GetSummary(c)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
}

func TestHandler_GetWeekly(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/?year=all&limit=2")
	if err := h.GetWeekly(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result[[]WeeklyRow]
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Data) != 2 || res.Data[0].Cumulative != 6 {
		t.Errorf("unexpected weekly rows %+v", res.Data)
	}
	if !strings.Contains(rec.Body.String(), `"epi_week"`) {
		t.Errorf("expected epi_week field, got %s", rec.Body.String())
	}

	c, _ = get(e, "/?limit=0")
	if code := httpStatus(t, h.GetWeekly(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", code)
	}
}

func TestHandler_GetTopDistricts(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/?year=2024&limit=1")
	if err := h.GetTopDistricts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res TopDistrictsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Districts.Data) != 1 || res.Districts.Data[0].District != "Kampala" {
		t.Errorf("expected Kampala first, got %+v", res.Districts.Data)
	}
	if res.Epicurves.Status != StatusOK {
		t.Errorf("expected epicurves, got %s", res.Epicurves.Status)
	}
}

func TestHandler_GetDemographics(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/?year=2024&scheme=coarse")
	if err := h.GetDemographics(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res DemographicsResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Scheme != "coarse" || res.AgeSex.Data[0].AgeGroup != "<1" {
		t.Errorf("unexpected demographics %+v", res.AgeSex)
	}

	c, _ = get(e, "/?scheme=fortnightly")
	if code := httpStatus(t, h.GetDemographics(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetMap(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/?year=2024")
	c.SetParamNames("layer")
	c.SetParamValues(LayerAttackRate)
	if err := h.GetMap(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result[map[string]float64]
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Data["Kampala"] != 200 {
		t.Errorf("expected 2*100000/1000, got %v", res.Data)
	}

	c, _ = get(e, "/")
	c.SetParamNames("layer")
	c.SetParamValues("population")
	if code := httpStatus(t, h.GetMap(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetOptions(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/")
	if err := h.GetLocationOptions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "Acholi Region") {
		t.Errorf("expected region labels, got %s", rec.Body.String())
	}

	c, rec = get(e, "/")
	if err := h.GetPeriodOptions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res PeriodOptions
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Years) != 2 || res.Years[0] != 2024 {
		t.Errorf("unexpected periods %+v", res)
	}
}

func TestHandler_GetSitRep(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	c, rec := get(e, "/?year=2024&location=Acholi%20Region")
	if err := h.GetSitRep(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rep SitRep
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Location.Label != "Acholi Region" || rep.Summary.Data.TotalCases != 2 {
		t.Errorf("unexpected report scope %+v / %+v", rep.Location, rep.Summary.Data)
	}
	if len(rep.Maps) != len(MapLayers) {
		t.Errorf("expected map layers in JSON, got %d", len(rep.Maps))
	}
}

func TestHandler_PrintSitRep(t *testing.T) {
	repo := newMockRepo()
	repo.failAttrs = true
	h, _, e := newTestHandler(t, repo)
	c, rec := get(e, "/?year=2024")
	if err := h.PrintSitRep(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMETextHTML) {
		t.Errorf("expected html, got %s", ct)
	}

	doc, err := goquery.NewDocumentFromReader(rec.Body)
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	if got := doc.Find("header .location").Text(); got != National.Label {
		t.Errorf("expected national label, got %q", got)
	}
	if doc.Find("section#weekly table tbody tr").Length() == 0 {
		t.Error("expected weekly rows")
	}
	warning := doc.Find("section#gender.status-degraded p.warning").Text()
	if !strings.Contains(warning, "unavailable") {
		t.Errorf("expected degraded gender warning, got %q", warning)
	}
	if doc.Find("section#summary.status-degraded").Length() != 1 {
		t.Error("expected degraded summary section")
	}
	for _, id := range []string{"age-sex", "deaths-by-age", "deaths-by-age-sex"} {
		if doc.Find("section#"+id+".status-degraded p.warning").Length() != 1 {
			t.Errorf("expected a degraded warning on %s", id)
		}
	}
	for _, id := range []string{"district-proportions", "weekly-proportions", "map-cumulative_cases"} {
		if doc.Find("section#"+id+" table tbody tr").Length() == 0 {
			t.Errorf("expected rows in %s", id)
		}
	}
}

func publishRequest(e *echo.Echo, target, user string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, target, nil)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, user)
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{auth.RolePublisher})
	rec := httptest.NewRecorder()
	return e.NewContext(req.WithContext(ctx), rec), rec
}

func TestHandler_PublishSitRep(t *testing.T) {
	h, store, e := newTestHandler(t, newMockRepo())
	c, rec := publishRequest(e, "/?year=2024&month=3", "epi-officer")
	if err := h.PublishSitRep(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var stored archive.Report
	json.Unmarshal(rec.Body.Bytes(), &stored)
	if stored.Period != "March 2024" || stored.PublishedBy != "epi-officer" || stored.Location != National.Label {
		t.Errorf("unexpected archive entry %+v", stored)
	}

	body, meta, err := store.Get(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("archived report missing: %v", err)
	}
	defer body.Close()
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	if meta.Year != 2024 || doc.Find("header .period").Text() != "March 2024" {
		t.Errorf("unexpected archived document %+v", meta)
	}
}

func TestHandler_PublishRefusesDegraded(t *testing.T) {
	repo := newMockRepo()
	repo.failAttrs = true
	h, store, e := newTestHandler(t, repo)
	c, _ := publishRequest(e, "/?year=2024", "epi-officer")
	if code := httpStatus(t, h.PublishSitRep(c)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if _, total, _ := store.List(context.Background(), archive.Filter{}); total != 0 {
		t.Errorf("expected nothing archived, got %d", total)
	}
}

func TestHandler_PublishRequiresRole(t *testing.T) {
	h, _, e := newTestHandler(t, newMockRepo())
	api := e.Group("/api/v1")
	h.RegisterRoutes(api, api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sitrep/publish?year=2024", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without a publisher role, got %d", rec.Code)
	}
}
