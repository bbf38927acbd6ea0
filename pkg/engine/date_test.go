package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDate_Arithmetic(t *testing.T) {
	d := MustParseDate("2024-01-31")

	if got := d.AddDays(30).String(); got != "2024-03-01" {
		t.Errorf("AddDays(30) = %s, want 2024-03-01", got)
	}
	if got := d.AddDays(-31).String(); got != "2023-12-31" {
		t.Errorf("AddDays(-31) = %s, want 2023-12-31", got)
	}
	if got := MustParseDate("2024-03-31").DaysSince(d); got != 60 {
		t.Errorf("DaysSince = %d, want 60", got)
	}
	if !d.Before(d.AddDays(1)) || d.After(d.AddDays(1)) {
		t.Errorf("ordering is wrong")
	}
}

func TestDateOf_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	instant := time.Date(2024, 6, 1, 8, 0, 0, 0, loc) // 2024-05-31T22:00Z

	if got := DateOf(instant).String(); got != "2024-05-31" {
		t.Errorf("DateOf = %s, want 2024-05-31", got)
	}
}

func TestDate_JSONAndScan(t *testing.T) {
	type wrapper struct {
		D Date `json:"d"`
	}

	data, err := json.Marshal(wrapper{D: NewDate(2024, time.May, 1)})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if string(data) != `{"d":"2024-05-01"}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	var w wrapper
	if err := json.Unmarshal([]byte(`{"d":null}`), &w); err != nil {
		t.Fatalf("failed to unmarshal null: %v", err)
	}
	if !w.D.IsZero() {
		t.Errorf("expected zero date from null")
	}

	if err := json.Unmarshal([]byte(`{"d":"2024-13-01"}`), &w); err == nil {
		t.Errorf("expected invalid month to fail")
	}

	var scanned Date
	if err := scanned.Scan(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("failed to scan time: %v", err)
	}
	if scanned.String() != "2024-02-29" {
		t.Errorf("scanned = %s", scanned)
	}
	if err := scanned.Scan([]byte("2024-03-01")); err != nil || scanned.String() != "2024-03-01" {
		t.Errorf("scan bytes = %s, %v", scanned, err)
	}

	v, err := Date{}.Value()
	if err != nil || v != nil {
		t.Errorf("zero date Value() = %v, %v; want nil", v, err)
	}
}
