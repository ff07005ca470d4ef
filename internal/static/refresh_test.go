package static

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func completeBundle(t *testing.T) string {
	return writeBundle(t, map[string]string{
		"routes.txt": `route_id,route_short_name,route_long_name,route_type,route_color
R1,R1,Aeroport - Sant Celoni,2,FF0000
R4,R4,Sant Vicenç - Manresa,2,
`,
		"stops.txt": `stop_id,stop_name,stop_lat,stop_lon,wheelchair_boarding
43000,Barcelona Sants,41.379,2.140,1
51003,Barcelona Clot,41.407,2.189,
`,
		"trips.txt": `trip_id,route_id,service_id,shape_id
T1,R1,WD,S1
T2,missing-route,WD,
`,
		"stop_times.txt": "\ufeff" + `trip_id,arrival_time,departure_time,stop_id,stop_sequence
T1,08:00:00,08:01:00,43000,1
T1,25:10:00,,51003,2
T1,08:20:00,08:21:00,ghost-stop,3
ghost-trip,08:00:00,08:00:00,43000,1
`,
	})
}

func TestReadBundle(t *testing.T) {
	b, err := readBundle(completeBundle(t))
	if err != nil {
		t.Fatalf("readBundle: %v", err)
	}

	if len(b.routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(b.routes))
	}
	r1 := b.routes[0]
	if r1.ID != "R1" || r1.Type == nil || *r1.Type != 2 || r1.Color == nil || *r1.Color != "FF0000" {
		t.Errorf("unexpected first route: %+v", r1)
	}
	if b.routes[1].Color != nil {
		t.Errorf("blank color should be nil, got %v", *b.routes[1].Color)
	}

	if len(b.stops) != 2 {
		t.Fatalf("stops = %d, want 2", len(b.stops))
	}
	sants := b.stops[0]
	if sants.Name != "Barcelona Sants" || sants.Lat == nil || *sants.Lat != 41.379 {
		t.Errorf("unexpected first stop: %+v", sants)
	}

	if len(b.trips) != 2 {
		t.Fatalf("trips = %d, want 2", len(b.trips))
	}
	if b.trips[0].RouteID == nil || *b.trips[0].RouteID != "R1" {
		t.Errorf("T1 route = %v, want R1", b.trips[0].RouteID)
	}
	// A trip naming an unlisted route keeps a null route reference.
	if b.trips[1].RouteID != nil {
		t.Errorf("T2 route = %v, want nil", *b.trips[1].RouteID)
	}

	// Rows naming unknown trips or stops are dropped.
	if len(b.stopTimes) != 2 {
		t.Fatalf("stop times = %d, want 2", len(b.stopTimes))
	}
	late := b.stopTimes[1]
	if late.ArrivalSeconds == nil || *late.ArrivalSeconds != 25*3600+600 {
		t.Errorf("past-midnight arrival = %v, want %d", late.ArrivalSeconds, 25*3600+600)
	}
	if late.DepartureSeconds != nil {
		t.Errorf("blank departure should be nil")
	}
}

func TestReadBundleNestedEntries(t *testing.T) {
	// Some agencies ship the files inside a directory.
	path := writeBundle(t, map[string]string{
		"gtfs/routes.txt":     "route_id\nR1\n",
		"gtfs/stops.txt":      "stop_id,stop_name\n43000,Sants\n",
		"gtfs/trips.txt":      "trip_id,route_id\nT1,R1\n",
		"gtfs/stop_times.txt": "trip_id,stop_sequence,stop_id\nT1,1,43000\n",
	})
	b, err := readBundle(path)
	if err != nil {
		t.Fatalf("readBundle: %v", err)
	}
	if len(b.routes) != 1 || len(b.stopTimes) != 1 {
		t.Errorf("routes = %d stopTimes = %d, want 1 and 1", len(b.routes), len(b.stopTimes))
	}
}

func TestReadBundleMissingFile(t *testing.T) {
	path := writeBundle(t, map[string]string{
		"routes.txt": "route_id\nR1\n",
	})
	if _, err := readBundle(path); err == nil {
		t.Fatal("expected an error for a bundle without stops.txt")
	}
}

func TestDaySeconds(t *testing.T) {
	cases := []struct {
		in   string
		want *int
	}{
		{"08:00:00", intp(8 * 3600)},
		{"25:10:30", intp(25*3600 + 630)},
		{"", nil},
		{"8:00", nil},
		{"aa:bb:cc", nil},
	}
	for _, tc := range cases {
		got := daySeconds(tc.in)
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("daySeconds(%q) = %d, want nil", tc.in, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Errorf("daySeconds(%q) = %v, want %d", tc.in, got, *tc.want)
		}
	}
}

func intp(v int) *int { return &v }
