package feed

import (
	"errors"
	"testing"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

func marshal(t *testing.T, msg *gtfs.FeedMessage) []byte {
	t.Helper()
	raw, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return raw
}

func header(ts uint64) *gtfs.FeedHeader {
	h := &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")}
	if ts != 0 {
		h.Timestamp = proto.Uint64(ts)
	}
	return h
}

func vehicleEntity(id string) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id:      proto.String(id),
		Vehicle: &gtfs.VehiclePosition{},
	}
}

func tripUpdateEntity(id string) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{TripId: proto.String("T1")},
		},
	}
}

func alertEntity(id string) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id:    proto.String(id),
		Alert: &gtfs.Alert{},
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		entities []*gtfs.FeedEntity
		url      string
		want     Kind
		wantErr  bool
	}{
		{"vehicle payload", []*gtfs.FeedEntity{vehicleEntity("1")}, "http://x/feed", KindVehiclePositions, false},
		{"trip update payload", []*gtfs.FeedEntity{tripUpdateEntity("1")}, "http://x/feed", KindTripUpdates, false},
		{"alert payload", []*gtfs.FeedEntity{alertEntity("1")}, "http://x/feed", KindAlerts, false},
		{"vehicle wins over later alerts", []*gtfs.FeedEntity{vehicleEntity("1"), alertEntity("2")}, "http://x/feed", KindVehiclePositions, false},
		{"empty payload url fallback vehicle", nil, "http://x/VehiclePositions.pb", KindVehiclePositions, false},
		{"empty payload url fallback trips", nil, "http://x/tripupdates", KindTripUpdates, false},
		{"empty payload url fallback alerts", nil, "http://x/service-alerts", KindAlerts, false},
		{"unclassifiable", nil, "http://x/feed", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &gtfs.FeedMessage{Header: header(0), Entity: tc.entities}
			kind, err := Classify(msg, tc.url)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Classify() = %q, want error", kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify() error: %v", err)
			}
			if kind != tc.want {
				t.Fatalf("Classify() = %q, want %q", kind, tc.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	t.Run("extracts header timestamp", func(t *testing.T) {
		raw := marshal(t, &gtfs.FeedMessage{
			Header: header(1700000000),
			Entity: []*gtfs.FeedEntity{vehicleEntity("1")},
		})
		env, err := Decode(raw, "http://x/vehicles")
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
		if env.Kind != KindVehiclePositions {
			t.Errorf("kind = %q, want %q", env.Kind, KindVehiclePositions)
		}
		if env.HeaderTimestamp != 1700000000 {
			t.Errorf("header timestamp = %d, want 1700000000", env.HeaderTimestamp)
		}
	})

	t.Run("missing header timestamp is zero", func(t *testing.T) {
		raw := marshal(t, &gtfs.FeedMessage{
			Header: header(0),
			Entity: []*gtfs.FeedEntity{alertEntity("1")},
		})
		env, err := Decode(raw, "http://x/alerts")
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
		if env.HeaderTimestamp != 0 {
			t.Errorf("header timestamp = %d, want 0", env.HeaderTimestamp)
		}
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := Decode([]byte{0xff, 0xff, 0xff, 0x01}, "http://x/vehicles")
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode() error = %v, want ErrMalformed", err)
		}
	})
}
