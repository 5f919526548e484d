package archive

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/eidsr/sitrep/pkg/pagination"
	"github.com/labstack/echo/v4"
)

// Handler serves the archive listing and downloads of archived reports.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the read side under g. Publishing lives with the
// report handler because it renders before it stores.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/sitrep/archive", h.List)
	g.GET("/sitrep/archive/:id", h.Download)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	f := Filter{
		Location: c.QueryParam("location"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	if y := c.QueryParam("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "year must be an integer")
		}
		f.Year = year
	}

	items, total, err := h.store.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "archive unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, p))
}

func (h *Handler) Download(c echo.Context) error {
	rc, meta, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, "archive unavailable").SetInternal(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="sitrep-%s.html"`, meta.ID))
	if meta.Hash != "" {
		c.Response().Header().Set("ETag", `"`+meta.Hash+`"`)
	}
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
