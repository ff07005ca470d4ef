package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfsrt-ingestor"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// SnapshotMessage announces one committed snapshot.
type SnapshotMessage struct {
	SnapshotID string    `json:"snapshotId"`
	PolledAt   time.Time `json:"polledAt"`
	Vehicles   int       `json:"vehicles"`
	Rail       int       `json:"rail"`
	DelayRows  int       `json:"delayRows"`
	AlertRows  int       `json:"alertRows"`
}

// PositionMessage is one rail vehicle's state at snapshot time.
type PositionMessage struct {
	VehicleKey string    `json:"vehicleKey"`
	Label      string    `json:"label,omitempty"`
	TripID     string    `json:"tripId,omitempty"`
	RouteID    string    `json:"routeId,omitempty"`
	StopID     string    `json:"stopId,omitempty"`
	NextStopID string    `json:"nextStopId,omitempty"`
	Status     string    `json:"status,omitempty"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	DelaySecs  *int      `json:"delaySecs,omitempty"`
	PolledAt   time.Time `json:"polledAt"`
}

func (p *NATSPublisher) PublishSnapshot(msg SnapshotMessage) error {
	return p.publish("snapshots.stored", msg)
}

func (p *NATSPublisher) PublishPosition(routeID, vehicleKey string, msg PositionMessage) error {
	subject := fmt.Sprintf("vehicles.%s.%s", subjectToken(routeID), subjectToken(vehicleKey))
	return p.publish(subject, msg)
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
