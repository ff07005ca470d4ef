package static

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const insertBatchSize = 500

// Refresh replaces the dimension tables with the contents of a GTFS static
// bundle, read from a local zip or downloaded from a URL. The swap happens
// in one transaction so a poller restarting mid-refresh never sees a half
// loaded dataset.
func Refresh(ctx context.Context, database *sql.DB, zipPath, zipURL string) error {
	path := zipPath
	if path == "" {
		if zipURL == "" {
			return fmt.Errorf("no static bundle configured: need a zip path or URL")
		}
		downloaded, cleanup, err := download(ctx, zipURL)
		if err != nil {
			return err
		}
		defer cleanup()
		path = downloaded
	}

	bundle, err := readBundle(path)
	if err != nil {
		return err
	}
	log.Printf("static bundle parsed: %d routes, %d stops, %d trips, %d stop times",
		len(bundle.routes), len(bundle.stops), len(bundle.trips), len(bundle.stopTimes))

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`TRUNCATE dim_stop_times, dim_trips, dim_stops, dim_routes CASCADE`); err != nil {
		return fmt.Errorf("truncate dimensions: %w", err)
	}
	if err := bundle.load(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh: %w", err)
	}
	log.Printf("dimension tables replaced")
	return nil
}

func download(ctx context.Context, url string) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build download request: %w", err)
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("download static bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download static bundle: status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "gtfs-static-*.zip")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("save static bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	log.Printf("static bundle downloaded from %s", url)
	return f.Name(), cleanup, nil
}

type routeRow struct {
	ID        string
	ShortName *string
	LongName  *string
	Type      *int
	Color     *string
	TextColor *string
}

type stopRow struct {
	ID                 string
	Name               string
	Lat                *float64
	Lon                *float64
	WheelchairBoarding *int
}

type tripRow struct {
	ID                   string
	RouteID              *string
	ServiceID            *string
	ShapeID              *string
	BlockID              *string
	WheelchairAccessible *int
}

type stopTimeRow struct {
	TripID           string
	StopSequence     int
	StopID           string
	ArrivalSeconds   *int
	DepartureSeconds *int
}

type bundle struct {
	routes    []routeRow
	stops     []stopRow
	trips     []tripRow
	stopTimes []stopTimeRow
}

func readBundle(path string) (*bundle, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open static bundle: %w", err)
	}
	defer zr.Close()

	b := &bundle{}
	routeIDs := map[string]struct{}{}
	stopIDs := map[string]struct{}{}
	tripIDs := map[string]struct{}{}

	if err := readCSVEntry(&zr.Reader, "routes.txt", func(get func(string) string) {
		id := get("route_id")
		if id == "" {
			return
		}
		b.routes = append(b.routes, routeRow{
			ID:        id,
			ShortName: optStr(get("route_short_name")),
			LongName:  optStr(get("route_long_name")),
			Type:      optInt(get("route_type")),
			Color:     optStr(get("route_color")),
			TextColor: optStr(get("route_text_color")),
		})
		routeIDs[id] = struct{}{}
	}); err != nil {
		return nil, err
	}

	if err := readCSVEntry(&zr.Reader, "stops.txt", func(get func(string) string) {
		id := get("stop_id")
		if id == "" {
			return
		}
		b.stops = append(b.stops, stopRow{
			ID:                 id,
			Name:               get("stop_name"),
			Lat:                optFloat(get("stop_lat")),
			Lon:                optFloat(get("stop_lon")),
			WheelchairBoarding: optInt(get("wheelchair_boarding")),
		})
		stopIDs[id] = struct{}{}
	}); err != nil {
		return nil, err
	}

	if err := readCSVEntry(&zr.Reader, "trips.txt", func(get func(string) string) {
		id := get("trip_id")
		if id == "" {
			return
		}
		trip := tripRow{
			ID:                   id,
			ServiceID:            optStr(get("service_id")),
			ShapeID:              optStr(get("shape_id")),
			BlockID:              optStr(get("block_id")),
			WheelchairAccessible: optInt(get("wheelchair_accessible")),
		}
		// A trip pointing at an unlisted route keeps a null route id so the
		// foreign key holds.
		if routeID := get("route_id"); routeID != "" {
			if _, ok := routeIDs[routeID]; ok {
				trip.RouteID = &routeID
			}
		}
		b.trips = append(b.trips, trip)
		tripIDs[id] = struct{}{}
	}); err != nil {
		return nil, err
	}

	skipped := 0
	if err := readCSVEntry(&zr.Reader, "stop_times.txt", func(get func(string) string) {
		tripID := get("trip_id")
		stopID := get("stop_id")
		seq, err := strconv.Atoi(get("stop_sequence"))
		if err != nil {
			skipped++
			return
		}
		if _, ok := tripIDs[tripID]; !ok {
			skipped++
			return
		}
		if _, ok := stopIDs[stopID]; !ok {
			skipped++
			return
		}
		b.stopTimes = append(b.stopTimes, stopTimeRow{
			TripID:           tripID,
			StopSequence:     seq,
			StopID:           stopID,
			ArrivalSeconds:   daySeconds(get("arrival_time")),
			DepartureSeconds: daySeconds(get("departure_time")),
		})
	}); err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Printf("static bundle: skipped %d stop_times rows referencing unknown trips or stops", skipped)
	}
	return b, nil
}

func readCSVEntry(zr *zip.Reader, name string, row func(get func(string) string)) error {
	var file *zip.File
	for _, f := range zr.File {
		base := f.Name
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		if base == name {
			file = f
			break
		}
	}
	if file == nil {
		return fmt.Errorf("static bundle lacks %s", name)
	}
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read %s header: %w", name, err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))] = i
	}
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			continue
		}
		row(func(field string) string {
			i, ok := col[field]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		})
	}
}

func (b *bundle) load(ctx context.Context, tx *sql.Tx) error {
	if err := batchInsert(ctx, tx, `INSERT INTO dim_routes (route_id, line_code, short_name, long_name, route_type, color, text_color)`,
		7, len(b.routes), func(i int) []any {
			r := b.routes[i]
			return []any{r.ID, r.ShortName, r.ShortName, r.LongName, r.Type, r.Color, r.TextColor}
		}); err != nil {
		return fmt.Errorf("load dim_routes: %w", err)
	}
	if err := batchInsert(ctx, tx, `INSERT INTO dim_stops (stop_id, name, lat, lon, wheelchair_boarding)`,
		5, len(b.stops), func(i int) []any {
			s := b.stops[i]
			return []any{s.ID, s.Name, s.Lat, s.Lon, s.WheelchairBoarding}
		}); err != nil {
		return fmt.Errorf("load dim_stops: %w", err)
	}
	if err := batchInsert(ctx, tx, `INSERT INTO dim_trips (trip_id, route_id, service_id, shape_id, block_id, wheelchair_accessible)`,
		6, len(b.trips), func(i int) []any {
			t := b.trips[i]
			return []any{t.ID, t.RouteID, t.ServiceID, t.ShapeID, t.BlockID, t.WheelchairAccessible}
		}); err != nil {
		return fmt.Errorf("load dim_trips: %w", err)
	}
	if err := batchInsert(ctx, tx, `INSERT INTO dim_stop_times (trip_id, stop_sequence, stop_id, arrival_seconds, departure_seconds)`,
		5, len(b.stopTimes), func(i int) []any {
			st := b.stopTimes[i]
			return []any{st.TripID, st.StopSequence, st.StopID, st.ArrivalSeconds, st.DepartureSeconds}
		}); err != nil {
		return fmt.Errorf("load dim_stop_times: %w", err)
	}
	return nil
}

// batchInsert issues multi-row VALUES inserts in fixed-size chunks. A bundle
// repeating a primary key keeps the first occurrence.
func batchInsert(ctx context.Context, tx *sql.Tx, insert string, cols, total int, args func(i int) []any) error {
	for start := 0; start < total; start += insertBatchSize {
		end := start + insertBatchSize
		if end > total {
			end = total
		}
		var sb strings.Builder
		sb.WriteString(insert)
		sb.WriteString(" VALUES ")
		values := make([]any, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for c := 0; c < cols; c++ {
				if c > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", len(values)+c+1)
			}
			sb.WriteString(")")
			values = append(values, args(i)...)
		}
		sb.WriteString(" ON CONFLICT DO NOTHING")
		if _, err := tx.ExecContext(ctx, sb.String(), values...); err != nil {
			return err
		}
	}
	return nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

func optFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// daySeconds converts a GTFS HH:MM:SS clock value, hours may pass 23, to
// seconds since midnight.
func daySeconds(value string) *int {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil
	}
	h, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	m, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	s, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	total := h*3600 + m*60 + s
	return &total
}
