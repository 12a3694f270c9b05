// Package agency provides a typed client for the transit agency passthrough api.
// Payload shapes are validated at this boundary so loosely typed data never reaches
// prediction or planning logic.
package agency

import (
	"context"
	"fmt"
	logger "log"
	"net/http"
	"time"

	"github.com/OpenTransitTools/ridecast/foundation/httpclient"
)

// Route identifies a route in the agency catalog
type Route struct {
	RouteId   string `json:"route_id"`
	ShortName string `json:"short_name"`
	LongName  string `json:"long_name"`
}

// Stop is one stop in the agency catalog, with the routes serving it.
// RouteSequence, when the agency provides it, holds this stop's position along
// each route's direction of travel, used to filter wrong-direction trip options
type Stop struct {
	StopId        string         `json:"stop_id"`
	Name          string         `json:"name"`
	Latitude      float64        `json:"lat"`
	Longitude     float64        `json:"lon"`
	Routes        []string       `json:"routes"`
	RouteSequence map[string]int `json:"route_sequence,omitempty"`
}

// ServesRoute returns true if routeId is among the routes serving this stop
func (s *Stop) ServesRoute(routeId string) bool {
	for _, r := range s.Routes {
		if r == routeId {
			return true
		}
	}
	return false
}

// SequenceOnRoute returns this stop's position along routeId, false when the agency
// catalog carries no sequence data for that route
func (s *Stop) SequenceOnRoute(routeId string) (int, bool) {
	if s.RouteSequence == nil {
		return 0, false
	}
	seq, present := s.RouteSequence[routeId]
	return seq, present
}

// Client retrieves routes, stops and realtime arrival estimates from the agency passthrough
type Client struct {
	log        *logger.Logger
	baseURL    string
	rtFeedURL  string
	httpClient *http.Client
}

// MakeClient builds Client. baseURL serves the json catalog endpoints, rtFeedURL
// serves the agency's gtfs-rt TripUpdates protocol buffer feed
func MakeClient(log *logger.Logger, baseURL string, rtFeedURL string, timeout time.Duration) *Client {
	return &Client{
		log:        log,
		baseURL:    baseURL,
		rtFeedURL:  rtFeedURL,
		httpClient: httpclient.MakeClient(timeout),
	}
}

// GetRoutes retrieves the route catalog
func (c *Client) GetRoutes(ctx context.Context) ([]Route, error) {
	var payload struct {
		Routes []Route `json:"routes"`
	}
	err := httpclient.GetJSON(ctx, c.httpClient, c.baseURL+"/routes", &payload)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve routes from agency: %w", err)
	}
	routes := make([]Route, 0, len(payload.Routes))
	for _, route := range payload.Routes {
		if route.RouteId == "" {
			c.log.Printf("discarding route with empty route_id from agency catalog")
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// GetStops retrieves the stop catalog, discarding entries that fail validation
func (c *Client) GetStops(ctx context.Context) ([]Stop, error) {
	var payload struct {
		Stops []Stop `json:"stops"`
	}
	err := httpclient.GetJSON(ctx, c.httpClient, c.baseURL+"/stops", &payload)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve stops from agency: %w", err)
	}
	stops := make([]Stop, 0, len(payload.Stops))
	for _, stop := range payload.Stops {
		if err = validateStop(&stop); err != nil {
			c.log.Printf("discarding stop from agency catalog: %v", err)
			continue
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

// StopsResourceInfo retrieves change-detection information about the stop catalog,
// allowing refresh jobs to skip a full fetch when nothing changed
func (c *Client) StopsResourceInfo(ctx context.Context) (httpclient.RemoteResourceInfo, error) {
	return httpclient.GetRemoteResourceInfo(ctx, c.httpClient, c.baseURL+"/stops")
}

// validateStop rejects stop records with missing identifiers or out of range coordinates
func validateStop(stop *Stop) error {
	if stop.StopId == "" {
		return fmt.Errorf("stop with empty stop_id")
	}
	if stop.Latitude < -90 || stop.Latitude > 90 || stop.Longitude < -180 || stop.Longitude > 180 {
		return fmt.Errorf("stop %s has out of range coordinates (%f,%f)",
			stop.StopId, stop.Latitude, stop.Longitude)
	}
	if stop.Latitude == 0 && stop.Longitude == 0 {
		return fmt.Errorf("stop %s has zero coordinates", stop.StopId)
	}
	return nil
}
