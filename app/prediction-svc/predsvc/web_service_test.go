package predsvc

import (
	"context"
	"encoding/json"
	"errors"
	logger "log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/OpenTransitTools/ridecast/business/drift"
	"github.com/OpenTransitTools/ridecast/business/prediction"
	"github.com/OpenTransitTools/ridecast/business/tripplanner"
	"github.com/matryer/is"
)

func testLog() *logger.Logger {
	return logger.New(os.Stdout, "TEST : ", logger.LstdFlags)
}

type stubPredictor struct {
	lastRoute string
	lastEta   float64
}

func (s *stubPredictor) Predict(routeId string, _ string, _ string, apiEtaMin float64, _ time.Time) prediction.Band {
	s.lastRoute = routeId
	s.lastEta = apiEtaMin
	return prediction.Band{Low: apiEtaMin - 1, Median: apiEtaMin, High: apiEtaMin + 2}
}

type stubDriftChecker struct {
	report *drift.Report
	status *drift.ModelStatus
}

func (s *stubDriftChecker) CheckDrift(_ time.Time) *drift.Report {
	return s.report
}

func (s *stubDriftChecker) GetModelStatus(_ time.Time) *drift.ModelStatus {
	return s.status
}

type stubTripPlanner struct {
	options []tripplanner.TripOption
	err     error
}

func (s *stubTripPlanner) PlanTrip(_ context.Context, _, _, _, _ float64, _ time.Time) ([]tripplanner.TripOption, error) {
	return s.options, s.err
}

type stubReliabilityProvider struct {
	reliability []arrivals.RouteReliability
	err         error
}

func (s *stubReliabilityProvider) GetRouteReliability(_ int) ([]arrivals.RouteReliability, error) {
	return s.reliability, s.err
}

type testHandlers struct {
	predictor   *stubPredictor
	checker     *stubDriftChecker
	planner     *stubTripPlanner
	reliability *stubReliabilityProvider
}

func makeTestServer(handlers testHandlers) *http.Server {
	if handlers.predictor == nil {
		handlers.predictor = &stubPredictor{}
	}
	if handlers.checker == nil {
		handlers.checker = &stubDriftChecker{
			report: &drift.Report{Status: drift.StatusOK},
			status: &drift.ModelStatus{Available: true, Version: 3},
		}
	}
	if handlers.planner == nil {
		handlers.planner = &stubTripPlanner{}
	}
	if handlers.reliability == nil {
		handlers.reliability = &stubReliabilityProvider{}
	}
	return createServer(testLog(), handlers.predictor, handlers.checker, handlers.planner,
		handlers.reliability, 7, 8181)
}

func TestWebService_predictArrival(t *testing.T) {
	is := is.New(t)
	predictor := &stubPredictor{}
	srv := makeTestServer(testHandlers{predictor: predictor})

	body := `{"route":"12","stop_id":"4511","vehicle_id":"3233","api_prediction":7.5}`
	request := httptest.NewRequest(http.MethodPost, "/api/predict-arrival-v2", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusOK)
	is.Equal(predictor.lastRoute, "12")
	is.Equal(predictor.lastEta, 7.5)

	var band prediction.Band
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &band))
	is.Equal(band.Median, 7.5)
	is.Equal(band.Low, 6.5)
	is.Equal(band.High, 9.5)
}

func TestWebService_predictArrivalRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"route":`},
		{name: "missing route", body: `{"stop_id":"4511","api_prediction":5}`},
		{name: "missing stop", body: `{"route":"12","api_prediction":5}`},
		{name: "negative api prediction", body: `{"route":"12","stop_id":"4511","api_prediction":-2}`},
	}
	srv := makeTestServer(testHandlers{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodPost, "/api/predict-arrival-v2", strings.NewReader(tt.body))
			recorder := httptest.NewRecorder()
			srv.Handler.ServeHTTP(recorder, request)
			if recorder.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", recorder.Code)
			}
		})
	}
}

func TestWebService_driftCheck(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{checker: &stubDriftChecker{
		report: &drift.Report{
			Status:             drift.StatusWarning,
			BaselineMAESeconds: 60,
			RecentMAESeconds:   70,
			DriftPct:           16.7,
			SampleCount:        200,
			Recommendation:     "monitor closely",
		},
		status: &drift.ModelStatus{Available: true},
	}})

	request := httptest.NewRequest(http.MethodGet, "/api/drift/check", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusOK)
	var report drift.Report
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &report))
	is.Equal(report.Status, drift.StatusWarning)
	is.Equal(report.SampleCount, 200)
}

func TestWebService_modelStatus(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{})

	request := httptest.NewRequest(http.MethodGet, "/api/model-status", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusOK)
	var status drift.ModelStatus
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &status))
	is.True(status.Available)
	is.Equal(status.Version, 3)
}

func TestWebService_routeReliability(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{reliability: &stubReliabilityProvider{
		reliability: []arrivals.RouteReliability{
			{RouteId: "12", ReliabilityScore: 88.5, AvgErrorSeconds: 40, Within2MinPct: 95, PredictionCount: 310},
		},
	}})

	request := httptest.NewRequest(http.MethodGet, "/api/route-reliability", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusOK)
	var reliability []arrivals.RouteReliability
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &reliability))
	is.Equal(len(reliability), 1)
	is.Equal(reliability[0].RouteId, "12")
}

func TestWebService_routeReliabilityEmptyListIsNotNull(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{})

	request := httptest.NewRequest(http.MethodGet, "/api/route-reliability", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusOK)
	is.Equal(strings.TrimSpace(recorder.Body.String()), "[]")
}

func TestWebService_routeReliabilityStoreFailure(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{reliability: &stubReliabilityProvider{
		err: errors.New("connection refused"),
	}})

	request := httptest.NewRequest(http.MethodGet, "/api/route-reliability", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusInternalServerError)
}

func TestWebService_tripPlan(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{planner: &stubTripPlanner{
		options: []tripplanner.TripOption{
			{RouteId: "19", OriginStop: "C3", DestStop: "C9", TotalMin: 9.7},
		},
	}})

	request := httptest.NewRequest(http.MethodGet,
		"/api/trip-plan?olat=45.5201&olon=-122.6800&dlat=45.5281&dlon=-122.6800", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusOK)
	var response tripPlanResponse
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &response))
	is.True(response.Plannable)
	is.Equal(len(response.Options), 1)
	is.Equal(response.Options[0].RouteId, "19")
}

func TestWebService_tripPlanMissingCoordinates(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{})

	request := httptest.NewRequest(http.MethodGet, "/api/trip-plan?olat=45.5201&olon=-122.6800", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusBadRequest)
}

func TestWebService_tripPlanNoNearbyService(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{planner: &stubTripPlanner{err: tripplanner.ErrNoNearbyStops}})

	request := httptest.NewRequest(http.MethodGet,
		"/api/trip-plan?olat=45.65&olon=-122.68&dlat=45.5281&dlon=-122.6800", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Code, http.StatusNotFound)
	var response tripPlanResponse
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &response))
	is.Equal(response.Plannable, false)
	is.Equal(len(response.Options), 0)
}

func TestWebService_tripPlanNotPlannable(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{planner: &stubTripPlanner{err: tripplanner.ErrNotPlannable}})

	request := httptest.NewRequest(http.MethodGet,
		"/api/trip-plan?olat=45.5201&olon=-122.6800&dlat=45.5281&dlon=-122.6800", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	// no-result conditions answer 404 with a body naming the reason
	is.Equal(recorder.Code, http.StatusNotFound)
	var response tripPlanResponse
	is.NoErr(json.Unmarshal(recorder.Body.Bytes(), &response))
	is.Equal(response.Plannable, false)
	is.Equal(len(response.Options), 0)
	is.True(strings.Contains(response.Message, "no route serves both"))
}

func TestWebService_defaultRoute(t *testing.T) {
	is := is.New(t)
	srv := makeTestServer(testHandlers{})

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	srv.Handler.ServeHTTP(recorder, request)

	is.Equal(recorder.Header().Get("Application-Status"), "OK")
}
