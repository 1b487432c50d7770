package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractClinicID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ClinicHeader, "north_wing")
	c := e.NewContext(req, httptest.NewRecorder())

	if cid := extractClinicID(c, "default"); cid != "north_wing" {
		t.Errorf("expected north_wing, got %s", cid)
	}
}

func TestExtractClinicID_FromJWT(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_clinic_id", "jwt_clinic")

	if cid := extractClinicID(c, "default"); cid != "jwt_clinic" {
		t.Errorf("expected jwt_clinic, got %s", cid)
	}
}

func TestExtractClinicID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if cid := extractClinicID(c, "default"); cid != "default" {
		t.Errorf("expected default, got %s", cid)
	}
}

func TestExtractClinicID_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ClinicHeader, "header")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_clinic_id", "jwt")

	// JWT takes highest priority
	if cid := extractClinicID(c, "default"); cid != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", cid)
	}
}

func TestValidClinicID(t *testing.T) {
	valid := []string{"abc", "north_1", "clinic_abc_123", "A1B2"}
	for _, v := range valid {
		if !ValidClinicID(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	invalid := []string{"", "a-b", "a;DROP SCHEMA public", "a b", "a.b", "诊所"}
	for _, v := range invalid {
		if ValidClinicID(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	if got := SchemaFor("north"); got != "clinic_north" {
		t.Errorf("expected clinic_north, got %s", got)
	}
}

func TestClinicMiddleware_RejectsInvalidID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ClinicHeader, "bad-id")
	c := e.NewContext(req, httptest.NewRecorder())

	// The identifier is rejected before the pool is touched.
	mw := ClinicMiddleware(nil, "default")
	err := mw(func(c echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if ClinicFromContext(ctx) != "" {
		t.Error("expected empty clinic")
	}
	ctx = WithClinicConn(ctx, "north", nil)
	if ClinicFromContext(ctx) != "north" {
		t.Errorf("expected north, got %s", ClinicFromContext(ctx))
	}
}

func TestClinicScope(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantCode int
		want     string
	}{
		{"header", "east", http.StatusOK, "east"},
		{"default", "", http.StatusOK, "main"},
		{"invalid", "x;drop", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			var got string
			h := ClinicScope("main")(func(c echo.Context) error {
				got = ClinicFromContext(c.Request().Context())
				if c.Get("clinic_id") != got {
					t.Errorf("echo context clinic %v != %q", c.Get("clinic_id"), got)
				}
				return c.NoContent(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(ClinicHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			err := h(e.NewContext(req, rec))
			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code != tt.wantCode || got != tt.want {
				t.Errorf("code=%d clinic=%q, want %d %q", code, got, tt.wantCode, tt.want)
			}
		})
	}
}
