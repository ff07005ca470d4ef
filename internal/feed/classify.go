package feed

import (
	"fmt"
	"strings"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Classify assigns a feed kind to a decoded message. Entity payloads win:
// the first entity carrying a vehicle, trip-update or alert payload (checked
// in that order) decides. An empty or payload-less feed falls back to
// substring matching on the URL. A feed with no signal at all is
// unclassifiable, which drops it from the current cycle but is not fatal to
// the process.
func Classify(msg *gtfs.FeedMessage, url string) (Kind, error) {
	for _, e := range msg.GetEntity() {
		if e.Vehicle != nil {
			return KindVehiclePositions, nil
		}
		if e.TripUpdate != nil {
			return KindTripUpdates, nil
		}
		if e.Alert != nil {
			return KindAlerts, nil
		}
	}
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "vehicle"):
		return KindVehiclePositions, nil
	case strings.Contains(lower, "trip"):
		return KindTripUpdates, nil
	case strings.Contains(lower, "alert"):
		return KindAlerts, nil
	}
	return "", fmt.Errorf("unable to classify feed kind for %s", url)
}
