package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// Kind is one of the three GTFS-RT feed kinds the ingestor understands.
type Kind string

const (
	KindVehiclePositions Kind = "vehicle_positions"
	KindTripUpdates      Kind = "trip_updates"
	KindAlerts           Kind = "alerts"
)

// Kinds lists every kind a complete poll cycle requires.
var Kinds = []Kind{KindVehiclePositions, KindTripUpdates, KindAlerts}

// ErrUnreachable marks network-level fetch failures (connection, HTTP status).
// ErrMalformed marks responses that could not be decoded as a FeedMessage.
// The coordinator applies the same per-feed policy to both today; the split
// exists so callers can log and alert on the actual failure mode.
var (
	ErrUnreachable = errors.New("feed unreachable")
	ErrMalformed   = errors.New("feed malformed")
)

// Envelope is one fetched and classified feed message.
type Envelope struct {
	URL     string
	Kind    Kind
	Message *gtfs.FeedMessage

	// HeaderTimestamp is the feed's freshness marker; 0 means the header
	// carried no timestamp.
	HeaderTimestamp int64
}

// Fetcher downloads and decodes GTFS-RT protobuf feeds.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch performs one HTTP GET, decodes the protobuf payload and classifies
// the result. Errors wrap ErrUnreachable or ErrMalformed; classification
// failures come back verbatim from Classify.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Envelope{}, fmt.Errorf("%w: HTTP %d from %s", ErrUnreachable, resp.StatusCode, url)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return Decode(raw, url)
}

// Decode unmarshals raw protobuf bytes into a classified envelope.
func Decode(raw []byte, url string) (Envelope, error) {
	msg := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, err := Classify(msg, url)
	if err != nil {
		return Envelope{}, err
	}

	var header int64
	if msg.Header != nil && msg.Header.Timestamp != nil {
		header = int64(*msg.Header.Timestamp)
	}
	return Envelope{URL: url, Kind: kind, Message: msg, HeaderTimestamp: header}, nil
}
