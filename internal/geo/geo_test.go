package geo

import (
	"math"
	"testing"
	"time"
)

func TestHaversineKnownDistance(t *testing.T) {
	// San Francisco to Los Angeles, roughly 559 km.
	d := Haversine(37.7749, -122.4194, 34.0522, -118.2437)
	if d < 550000 || d > 570000 {
		t.Errorf("SF-LA distance = %.0f m, want ~559 km", d)
	}
}

func TestHaversineZeroDistance(t *testing.T) {
	d := Haversine(49.3959, 8.6724, 49.3959, 8.6724)
	if d != 0 {
		t.Errorf("distance between identical points = %v, want 0", d)
	}
}

func TestHaversineSmallDistance(t *testing.T) {
	// 0.001 degrees of latitude is about 111 m.
	d := Haversine(49.0, 8.0, 49.001, 8.0)
	if math.Abs(d-111.2) > 1.0 {
		t.Errorf("0.001 deg latitude = %.1f m, want ~111.2 m", d)
	}
}

func TestInRadius(t *testing.T) {
	tests := []struct {
		name           string
		lat, lon       float64
		radiusM        float64
		want           bool
	}{
		{"at home", 49.0, 8.0, 50, true},
		{"just inside", 49.0003, 8.0, 50, true},
		{"outside", 49.001, 8.0, 50, false},
		{"large radius", 49.01, 8.01, 5000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InRadius(tt.lat, tt.lon, 49.0, 8.0, tt.radiusM)
			if got != tt.want {
				t.Errorf("InRadius(%v, %v, r=%v) = %v, want %v", tt.lat, tt.lon, tt.radiusM, got, tt.want)
			}
		})
	}
}

func TestGridIndex(t *testing.T) {
	tests := []struct {
		deg  float64
		want int
	}{
		{0, 0},
		{0.0005, 0},
		{0.001, 1},
		{37.77, 37770},
		{-122.43, -122430},
		{-0.0001, -1},
	}
	for _, tt := range tests {
		if got := GridIndex(tt.deg); got != tt.want {
			t.Errorf("GridIndex(%v) = %d, want %d", tt.deg, got, tt.want)
		}
	}
}

func TestCellBoundsRoundTrip(t *testing.T) {
	for _, deg := range []float64{37.77, -122.43, 0.0, -0.0004, 49.3959195} {
		idx := GridIndex(deg)
		min, max := CellBounds(idx)
		if deg < min-1e-9 || deg >= max+1e-9 {
			t.Errorf("deg %v not within bounds [%v, %v) of its own cell %d", deg, min, max, idx)
		}
	}
}

func TestUTCDay(t *testing.T) {
	// 23:30 in UTC-2 is the next day in UTC.
	loc := time.FixedZone("UTC-2", -2*3600)
	ts := time.Date(2025, 6, 1, 23, 30, 0, 0, loc)
	if got := UTCDay(ts); got != "2025-06-02" {
		t.Errorf("UTCDay = %q, want 2025-06-02", got)
	}
}

func TestDayBounds(t *testing.T) {
	start, end, ok := DayBounds("2025-06-02")
	if !ok {
		t.Fatal("DayBounds failed to parse valid day")
	}
	if end-start != 86400 {
		t.Errorf("day span = %v seconds, want 86400", end-start)
	}
	if _, _, ok := DayBounds("not-a-day"); ok {
		t.Error("DayBounds accepted an invalid day string")
	}
}
