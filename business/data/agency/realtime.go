package agency

import (
	"context"
	"fmt"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/OpenTransitTools/ridecast/foundation/httpclient"
	"google.golang.org/protobuf/proto"
)

// Arrival is one upcoming raw arrival estimate from the agency feed
type Arrival struct {
	RouteId     string
	StopId      string
	VehicleId   string
	ArrivalTime time.Time
}

// NextArrival retrieves the agency's next raw arrival estimate for routeId at stopId
// as of "at". Returns false when the feed holds no upcoming arrival for the pair
func (c *Client) NextArrival(ctx context.Context, routeId string, stopId string, at time.Time) (Arrival, bool, error) {
	feedMessage, err := c.fetchTripUpdates(ctx)
	if err != nil {
		return Arrival{}, false, err
	}
	return nextArrivalInFeed(feedMessage, routeId, stopId, at)
}

// fetchTripUpdates retrieves and unmarshals the agency's gtfs-rt TripUpdates feed
func (c *Client) fetchTripUpdates(ctx context.Context) (*gtfsrtpb.FeedMessage, error) {
	body, _, err := httpclient.GetBytes(ctx, c.httpClient, c.rtFeedURL)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve trip update feed: %w", err)
	}
	var feedMessage gtfsrtpb.FeedMessage
	if err = proto.Unmarshal(body, &feedMessage); err != nil {
		return nil, fmt.Errorf("unable to unmarshal trip update feed: %w", err)
	}
	return &feedMessage, nil
}

// nextArrivalInFeed finds the earliest arrival estimate after "at" for routeId at stopId
func nextArrivalInFeed(feedMessage *gtfsrtpb.FeedMessage,
	routeId string,
	stopId string,
	at time.Time) (Arrival, bool, error) {

	var best Arrival
	found := false
	for _, entity := range feedMessage.Entity {
		tripUpdate := entity.TripUpdate
		if tripUpdate == nil || tripUpdate.Trip == nil || tripUpdate.Trip.RouteId == nil {
			continue
		}
		if *tripUpdate.Trip.RouteId != routeId {
			continue
		}
		vehicleId := ""
		if tripUpdate.Vehicle != nil && tripUpdate.Vehicle.Id != nil {
			vehicleId = *tripUpdate.Vehicle.Id
		}
		for _, stopTimeUpdate := range tripUpdate.StopTimeUpdate {
			if stopTimeUpdate.StopId == nil || *stopTimeUpdate.StopId != stopId {
				continue
			}
			if stopTimeUpdate.Arrival == nil || stopTimeUpdate.Arrival.Time == nil {
				continue
			}
			arrivalTime := time.Unix(*stopTimeUpdate.Arrival.Time, 0)
			if arrivalTime.Before(at) {
				continue
			}
			if !found || arrivalTime.Before(best.ArrivalTime) {
				best = Arrival{
					RouteId:     routeId,
					StopId:      stopId,
					VehicleId:   vehicleId,
					ArrivalTime: arrivalTime,
				}
				found = true
			}
		}
	}
	return best, found, nil
}
