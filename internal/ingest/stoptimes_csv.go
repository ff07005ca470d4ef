package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// StopTimesCSV serves trip timetables from a GTFS stop_times.txt export when
// the dim_stop_times table has no rows for a trip. The file is parsed once,
// on first use, and the result is kept for the life of the process.
type StopTimesCSV struct {
	path string

	once     sync.Once
	profiles map[string][]StopTimeEntry
	loadErr  error
}

func NewStopTimesCSV(path string) *StopTimesCSV {
	return &StopTimesCSV{path: path}
}

// Profile returns the trip's timetable ordered by stop sequence, or nil when
// the trip is unknown or the file could not be read. A load failure is logged
// once and never fails a cycle.
func (s *StopTimesCSV) Profile(tripID string) []StopTimeEntry {
	s.once.Do(s.load)
	if s.loadErr != nil || tripID == "" {
		return nil
	}
	return s.profiles[tripID]
}

func (s *StopTimesCSV) load() {
	s.profiles = map[string][]StopTimeEntry{}
	f, err := os.Open(s.path)
	if err != nil {
		s.loadErr = err
		log.Printf("stop_times fallback unavailable: %v", err)
		return
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		s.loadErr = fmt.Errorf("read stop_times header: %v", err)
		log.Printf("stop_times fallback unavailable: %v", s.loadErr)
		return
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF"))] = i
	}
	for _, required := range []string{"trip_id", "stop_sequence", "stop_id"} {
		if _, ok := col[required]; !ok {
			s.loadErr = fmt.Errorf("stop_times file lacks column %q", required)
			log.Printf("stop_times fallback unavailable: %v", s.loadErr)
			return
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate ragged rows, they are common in feeds.
			continue
		}
		tripID := field(record, "trip_id")
		if tripID == "" {
			continue
		}
		seq, err := strconv.Atoi(field(record, "stop_sequence"))
		if err != nil {
			continue
		}
		entry := StopTimeEntry{
			StopSequence:     seq,
			StopID:           field(record, "stop_id"),
			ArrivalSeconds:   parseDaySeconds(field(record, "arrival_time")),
			DepartureSeconds: parseDaySeconds(field(record, "departure_time")),
		}
		s.profiles[tripID] = append(s.profiles[tripID], entry)
		rows++
	}

	for tripID := range s.profiles {
		profile := s.profiles[tripID]
		sort.Slice(profile, func(i, j int) bool {
			return profile[i].StopSequence < profile[j].StopSequence
		})
	}
	log.Printf("stop_times fallback loaded: %d rows, %d trips from %s", rows, len(s.profiles), s.path)
}

// parseDaySeconds converts a GTFS HH:MM:SS value to seconds since midnight.
// Hours may exceed 23 for trips running past midnight. Returns nil for blank
// or malformed values.
func parseDaySeconds(value string) *int {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil
	}
	h, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	m, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	sec, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	total := h*3600 + m*60 + sec
	return &total
}
