package db

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHealthReport_JSON(t *testing.T) {
	report := HealthReport{
		Status: "degraded",
		Pool:   PoolStats{TotalConns: 4, IdleConns: 3, AcquiredConns: 1, MaxConns: 20},
		Clinic: &ClinicStatus{ID: "north", Schema: "clinic_north"},
	}
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"status": "degraded",
		"pool": map[string]interface{}{
			"total_conns": float64(4), "idle_conns": float64(3),
			"acquired_conns": float64(1), "max_conns": float64(20),
		},
		"clinic": map[string]interface{}{"id": "north", "schema": "clinic_north", "ready": false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthReport_OmitsEmpty(t *testing.T) {
	data, err := json.Marshal(HealthReport{Status: "healthy"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"error", "clinic"} {
		if _, ok := got[key]; ok {
			t.Errorf("unexpected key %q", key)
		}
	}
}
