package intake

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/pkg/pagination"
)

// MaxExportRows caps the number of records in one spreadsheet export.
const MaxExportRows = 10000

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler provides HTTP handlers for the intake domain.
type Handler struct {
	svc *Service
}

// NewHandler creates a new intake handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all intake routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	forms := api.Group("/intake", auth.RequireRole("front_desk", "nurse", "physician"))
	forms.GET("/vocabulary", h.GetVocabulary)
	forms.POST("/sessions", h.OpenSession)
	forms.GET("/sessions/:id", h.GetSession)
	forms.POST("/sessions/:id/events", h.ApplyEvent)
	forms.POST("/sessions/:id/submit", h.Submit)
	forms.DELETE("/sessions/:id", h.CloseSession)

	records := api.Group("/intake/records", auth.RequireRole("nurse", "physician"))
	records.GET("", h.ListRecords)
	records.GET("/export.xlsx", h.ExportRecords)
	records.GET("/:id", h.GetRecord)
}

// SubmitResponse is returned by a successful submit.
type SubmitResponse struct {
	Record  *Record  `json:"record"`
	Session *Session `json:"session"`
}

func (h *Handler) GetVocabulary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Catalog())
}

func (h *Handler) OpenSession(c echo.Context) error {
	sess, err := h.svc.Open(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/intake/sessions/"+sess.ID.String())
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ApplyEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var ev Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.Apply(c.Request().Context(), id, ev)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, rec, err := h.svc.Submit(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{Record: rec, Session: sess})
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Close(c.Request().Context(), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	f, err := filterFromQuery(c, h.svc.Location())
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRecords(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ExportRecords(c echo.Context) error {
	f, err := filterFromQuery(c, h.svc.Location())
	if err != nil {
		return err
	}
	items, _, err := h.svc.ListRecords(c.Request().Context(), f, MaxExportRows, 0)
	if err != nil {
		return toHTTPError(err)
	}
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, items, h.svc.Catalog()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := fmt.Sprintf("intake-records-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	return c.Blob(http.StatusOK, mimeXLSX, buf.Bytes())
}

// filterFromQuery reads session_id, patient_name, from and to (YYYY-MM-DD,
// "to" inclusive). Dates are days in loc.
func filterFromQuery(c echo.Context, loc *time.Location) (RecordFilter, error) {
	var f RecordFilter
	if v := c.QueryParam("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid session_id")
		}
		f.SessionID = &id
	}
	f.PatientName = c.QueryParam("patient_name")
	if v := c.QueryParam("from"); v != "" {
		t, ok := ParseDateIn(v, loc)
		if !ok {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, ok := ParseDateIn(v, loc)
		if !ok {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		t = t.AddDate(0, 0, 1)
		f.To = &t
	}
	return f, nil
}

func toHTTPError(err error) error {
	var required *RequiredFieldsError
	switch {
	case errors.As(err, &required):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": required.Error(),
			"missing": required.Fields,
		})
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAcknowledging), errors.Is(err, ErrReadOnlyField), errors.Is(err, ErrClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrUnknownField),
		errors.Is(err, ErrUnknownOption), errors.Is(err, ErrInvalidValue):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSinkFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrRecordsUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
