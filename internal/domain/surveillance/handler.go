package surveillance

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/eidsr/sitrep/internal/platform/auth"
)

type Handler struct {
	svc       *Service
	publisher *Publisher
}

func NewHandler(svc *Service, publisher *Publisher) *Handler {
	return &Handler{svc: svc, publisher: publisher}
}

// RegisterRoutes mounts the read API on api and the publish endpoint on
// secured, which must already carry authentication.
func (h *Handler) RegisterRoutes(api *echo.Group, secured *echo.Group) {
	api.GET("/sitrep", h.GetSitRep)
	api.GET("/sitrep/print", h.PrintSitRep)

	g := api.Group("/surveillance")
	g.GET("/summary", h.GetSummary)
	g.GET("/weekly", h.GetWeekly)
	g.GET("/trend", h.GetTrend)
	g.GET("/districts/top", h.GetTopDistricts)
	g.GET("/districts/proportions", h.GetDistrictProportions)
	g.GET("/districts/reporting", h.GetReportingMetrics)
	g.GET("/demographics", h.GetDemographics)
	g.GET("/attack-rates", h.GetAttackRates)
	g.GET("/deaths", h.GetDeaths)
	g.GET("/maps/:layer", h.GetMap)
	g.GET("/options/locations", h.GetLocationOptions)
	g.GET("/options/periods", h.GetPeriodOptions)

	if secured != nil {
		secured.POST("/sitrep/publish", h.PublishSitRep, auth.RequireRole(auth.RolePublisher))
	}
}

// params validates the query and resolves the location before any aggregate
// query runs.
func (h *Handler) params(c echo.Context) (ReportParams, Location, error) {
	p, err := ParseReportParams(c.QueryParams(), h.svc.now())
	if err != nil {
		return p, Location{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loc, err := h.svc.ResolveLocation(c.Request().Context(), p.Location)
	if err != nil {
		if errors.Is(err, ErrUnknownLocation) {
			return p, Location{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return p, Location{}, echo.NewHTTPError(http.StatusServiceUnavailable, "locations are unavailable").SetInternal(err)
	}
	return p, loc, nil
}

func (h *Handler) filter(c echo.Context) (Filter, error) {
	p, loc, err := h.params(c)
	if err != nil {
		return Filter{}, err
	}
	return p.Filter(loc), nil
}

func queryInt(c echo.Context, name string, def, max int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > max {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

func (h *Handler) GetSitRep(c echo.Context) error {
	p, loc, err := h.params(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.SitRep(c.Request().Context(), p, loc))
}

func (h *Handler) PrintSitRep(c echo.Context) error {
	p, loc, err := h.params(c)
	if err != nil {
		return err
	}
	_, html, err := h.publisher.Render(c.Request().Context(), p, loc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "render failed").SetInternal(err)
	}
	return c.HTMLBlob(http.StatusOK, html)
}

func (h *Handler) PublishSitRep(c echo.Context) error {
	p, loc, err := h.params(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	stored, err := h.publisher.Publish(ctx, p, loc, auth.UserIDFromContext(ctx))
	if err != nil {
		if errors.Is(err, ErrDegradedReport) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, "publish failed").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (h *Handler) GetSummary(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.Summary(c.Request().Context(), f))
}

func (h *Handler) GetWeekly(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	n, err := queryInt(c, "limit", WeeklyTableN, 520)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.WeeklyTable(c.Request().Context(), f, n))
}

// TrendResponse pairs the overall trend with the split by sex.
type TrendResponse struct {
	Trend Result[[]TrendRow]   `json:"trend"`
	BySex Result[[]SexWeekRow] `json:"by_sex"`
}

func (h *Handler) GetTrend(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, TrendResponse{Trend: h.svc.Trend(ctx, f), BySex: h.svc.WeeklyBySex(ctx, f)})
}

// TopDistrictsResponse is the ranking plus the weekly detail of the leaders.
type TopDistrictsResponse struct {
	Districts         Result[[]DistrictSummary] `json:"districts"`
	Epicurves         Result[[]DistrictCurve]   `json:"epicurves"`
	WeeklyProportions Result[[]WeeklyShare]     `json:"weekly_proportions"`
}

func (h *Handler) GetTopDistricts(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	n, err := queryInt(c, "limit", TopDistrictsN, 100)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, TopDistrictsResponse{
		Districts:         h.svc.TopDistricts(ctx, f, n),
		Epicurves:         h.svc.Epicurves(ctx, f),
		WeeklyProportions: h.svc.WeeklyProportions(ctx, f),
	})
}

func (h *Handler) GetDistrictProportions(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	n, err := queryInt(c, "limit", 0, 1000)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.TotalProportions(c.Request().Context(), f, n))
}

func (h *Handler) GetReportingMetrics(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.ReportingMetrics(c.Request().Context(), f))
}

// DemographicsResponse groups the demographic blocks.
type DemographicsResponse struct {
	Scheme string                   `json:"scheme"`
	AgeSex Result[[]AgeSexRow]      `json:"age_sex"`
	Table  Result[[]DemographicRow] `json:"table"`
	Gender Result[[]Share]          `json:"gender"`
}

func (h *Handler) GetDemographics(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	scheme := FiveYear
	if name := c.QueryParam("scheme"); name != "" {
		var ok bool
		if scheme, ok = SchemeByName(name); !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown age scheme")
		}
	}
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, DemographicsResponse{
		Scheme: scheme.Name,
		AgeSex: h.svc.AgeSex(ctx, f, scheme),
		Table:  h.svc.DemographicTable(ctx, f),
		Gender: h.svc.Gender(ctx, f),
	})
}

func (h *Handler) GetAttackRates(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.AttackRates(c.Request().Context(), f))
}

func (h *Handler) GetDeaths(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.Deaths(c.Request().Context(), f))
}

func (h *Handler) GetMap(c echo.Context) error {
	layer := c.Param("layer")
	known := false
	for _, l := range MapLayers {
		known = known || l == layer
	}
	if !known {
		return echo.NewHTTPError(http.StatusNotFound, "unknown map layer")
	}
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.Map(c.Request().Context(), f, layer))
}

func (h *Handler) GetLocationOptions(c echo.Context) error {
	opts, err := h.svc.LocationOptions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "location options are unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, opts)
}

func (h *Handler) GetPeriodOptions(c echo.Context) error {
	opts, err := h.svc.PeriodOptions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "period options are unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, opts)
}
