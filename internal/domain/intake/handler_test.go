package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/session"
)

func newTestServer(t *testing.T, roles ...string) (*echo.Echo, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "tester", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(api)
	return e, f
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) Session {
	t.Helper()
	var sess Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v (%s)", err, rec.Body.String())
	}
	return sess
}

func TestHandler_FormFlow(t *testing.T) {
	e, f := newTestServer(t, "front_desk")

	rec := do(e, http.MethodPost, "/api/v1/intake/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d", rec.Code)
	}
	sess := decodeSession(t, rec)
	base := "/api/v1/intake/sessions/" + sess.ID.String()
	if loc := rec.Header().Get("Location"); loc != base {
		t.Errorf("Location = %q", loc)
	}

	rec = do(e, http.MethodPost, base+"/submit", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("submit empty: expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "patientName") {
		t.Errorf("expected missing fields in body: %s", rec.Body.String())
	}

	for _, body := range []string{
		`{"type":"change","field":"patientName","value":"张三"}`,
		`{"type":"change","field":"gender","value":"男"}`,
		`{"type":"change","field":"dob","value":"2000-03-02"}`,
		`{"type":"toggle","field":"currentPainSite","value":"neck","checked":true}`,
	} {
		rec = do(e, http.MethodPost, base+"/events", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("event %s: expected 200, got %d: %s", body, rec.Code, rec.Body.String())
		}
	}
	sess = decodeSession(t, rec)
	if sess.State.Age == nil || *sess.State.Age != 25 {
		t.Errorf("age = %v", sess.State.Age)
	}
	if len(sess.State.TreatmentSite) != 0 {
		t.Errorf("treatmentSite changed: %v", sess.State.TreatmentSite)
	}

	rec = do(e, http.MethodPost, base+"/submit", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var out SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session.Phase != PhaseAcknowledging || out.Record.PatientName != "张三" {
		t.Errorf("unexpected submit response %+v", out)
	}

	rec = do(e, http.MethodPost, base+"/submit", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("double submit: expected 409, got %d", rec.Code)
	}
	if len(f.repo.records) != 1 {
		t.Errorf("expected 1 record, got %d", len(f.repo.records))
	}

	rec = do(e, http.MethodDelete, base, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("close: expected 204, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, base, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after close: expected 404, got %d", rec.Code)
	}
}

func TestHandler_EventErrors(t *testing.T) {
	e, _ := newTestServer(t, "nurse")
	sess := decodeSession(t, do(e, http.MethodPost, "/api/v1/intake/sessions", ""))
	base := "/api/v1/intake/sessions/" + sess.ID.String()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"read-only field", `{"type":"change","field":"todayDate","value":"2020-01-01"}`, http.StatusConflict},
		{"derived field", `{"type":"change","field":"age","value":"30"}`, http.StatusConflict},
		{"unknown field", `{"type":"change","field":"bloodType","value":"O"}`, http.StatusBadRequest},
		{"unknown option", `{"type":"toggle","field":"pastHistory","value":"asthma","checked":true}`, http.StatusBadRequest},
		{"bad temperature", `{"type":"change","field":"tempAfter","value":"warm"}`, http.StatusBadRequest},
		{"unknown event", `{"type":"paste","field":"patientName","value":"x"}`, http.StatusBadRequest},
		{"malformed json", `{"type":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, base+"/events", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	if rec := do(e, http.MethodGet, "/api/v1/intake/sessions/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/intake/sessions/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Vocabulary(t *testing.T) {
	e, _ := newTestServer(t, "front_desk")
	rec := do(e, http.MethodGet, "/api/v1/intake/vocabulary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var c Catalog
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(c.BodySite) != 6 || len(c.PastHistory) != 4 {
		t.Errorf("unexpected catalog %+v", c)
	}
}

func TestHandler_RecordsRequireClinicalRole(t *testing.T) {
	e, _ := newTestServer(t, "front_desk")
	if rec := do(e, http.MethodGet, "/api/v1/intake/records", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func seedRecords(t *testing.T, f *serviceFixture) []*Record {
	t.Helper()
	var out []*Record
	for i, name := range []string{"张三", "李四", "张伟"} {
		s := filledState()
		s.PatientName = name
		s.PastHistory = []string{"tumor", "hypertension"}
		rec := NewRecord(uuid.New(), s, time.Date(2026, 3, 1+i, 9, 0, 0, 0, time.UTC))
		if err := f.repo.Create(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
		out = append(out, rec)
	}
	return out
}

func TestHandler_ListRecords(t *testing.T) {
	e, f := newTestServer(t, "physician")
	seeded := seedRecords(t, f)

	rec := do(e, http.MethodGet, "/api/v1/intake/records?patient_name=%E5%BC%A0&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data    []*Record `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page total=%d len=%d more=%v", page.Total, len(page.Data), page.HasMore)
	}
	if page.Data[0].ID != seeded[2].ID {
		t.Error("expected newest record first")
	}

	rec = do(e, http.MethodGet, "/api/v1/intake/records?from=2026-03-02&to=2026-03-02", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].ID != seeded[1].ID {
		t.Errorf("date range should include exactly the record of 2026-03-02, got %d", page.Total)
	}

	for _, q := range []string{"from=yesterday", "to=2026-02-30", "session_id=nope"} {
		if rec := do(e, http.MethodGet, "/api/v1/intake/records?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandler_ListRecordsUsesServiceTimezone(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	repo := newMemRepo()
	now := fixedClock(time.Date(2026, 3, 3, 12, 0, 0, 0, shanghai))
	svc := NewService(NewReducer(nil, now), session.NewMemoryStore(), RepositorySink(repo), repo, zerolog.Nop(),
		ServiceOptions{Now: now})
	t.Cleanup(svc.Shutdown)
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "tester", []string{"physician"})))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api)

	var ids []uuid.UUID
	for _, at := range []time.Time{
		time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), // 03-02 04:00 local
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),  // 03-02 17:00 local
		time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), // 03-03 01:00 local
	} {
		rec := NewRecord(uuid.New(), filledState(), at)
		repo.Create(context.Background(), rec)
		ids = append(ids, rec.ID)
	}

	rec := do(e, http.MethodGet, "/api/v1/intake/records?from=2026-03-02&to=2026-03-02", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data []*Record `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got []uuid.UUID
	for _, r := range page.Data {
		got = append(got, r.ID)
	}
	want := []uuid.UUID{ids[1], ids[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records of 2026-03-02 local time (-want +got):\n%s", diff)
	}
}

func TestHandler_GetRecord(t *testing.T) {
	e, f := newTestServer(t, "nurse")
	seeded := seedRecords(t, f)

	rec := do(e, http.MethodGet, "/api/v1/intake/records/"+seeded[0].ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/intake/records/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ExportRecords(t *testing.T) {
	e, f := newTestServer(t, "physician")
	seedRecords(t, f)

	rec := do(e, http.MethodGet, "/api/v1/intake/records/export.xlsx", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != mimeXLSX {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "intake-records-") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	rows := readWorkbook(t, rec.Body.Bytes())
	if len(rows) != 4 {
		t.Errorf("expected header plus 3 rows, got %d", len(rows))
	}
}
