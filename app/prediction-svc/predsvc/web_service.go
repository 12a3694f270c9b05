package predsvc

import (
	"context"
	"encoding/json"
	"errors"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/OpenTransitTools/ridecast/business/drift"
	"github.com/OpenTransitTools/ridecast/business/prediction"
	"github.com/OpenTransitTools/ridecast/business/tripplanner"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//arrivalPredictor produces corrected eta bands for the predict endpoint
type arrivalPredictor interface {
	Predict(routeId string, stopId string, vehicleId string, apiEtaMin float64, at time.Time) prediction.Band
}

//driftChecker produces drift and model status reports for operational endpoints
type driftChecker interface {
	CheckDrift(now time.Time) *drift.Report
	GetModelStatus(now time.Time) *drift.ModelStatus
}

//tripPlanService produces ranked trip options between two coordinates
type tripPlanService interface {
	PlanTrip(ctx context.Context, olat, olon, dlat, dlon float64, now time.Time) ([]tripplanner.TripOption, error)
}

//reliabilityDataProvider provides per route reliability aggregates
type reliabilityDataProvider interface {
	GetRouteReliability(trailingDays int) ([]arrivals.RouteReliability, error)
}

//dbReliabilityDataProvider uses a database connection to retrieve reliability aggregates
type dbReliabilityDataProvider struct {
	db *sqlx.DB
}

func (d *dbReliabilityDataProvider) GetRouteReliability(trailingDays int) ([]arrivals.RouteReliability, error) {
	return arrivals.GetRouteReliability(d.db, trailingDays)
}

//makeDBReliabilityProvider builds the database backed reliability provider
func makeDBReliabilityProvider(db *sqlx.DB) *dbReliabilityDataProvider {
	return &dbReliabilityDataProvider{db: db}
}

//predictArrivalHandler serves corrected eta bands
type predictArrivalHandler struct {
	log       *logger.Logger
	predictor arrivalPredictor
}

//makePredictArrivalHandler predictArrivalHandler factory
func makePredictArrivalHandler(log *logger.Logger, predictor arrivalPredictor) *predictArrivalHandler {
	return &predictArrivalHandler{
		log:       log,
		predictor: predictor,
	}
}

//predictArrivalRequest is the expected body of a predict request
type predictArrivalRequest struct {
	Route         string  `json:"route"`
	StopId        string  `json:"stop_id"`
	VehicleId     string  `json:"vehicle_id"`
	APIPrediction float64 `json:"api_prediction"`
}

//ServeHTTP implements predictArrivalHandler's http.Handler interface
func (p *predictArrivalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var request predictArrivalRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "unable to parse request body", http.StatusBadRequest)
		return
	}
	if len(request.Route) == 0 || len(request.StopId) == 0 {
		http.Error(w, "route and stop_id are required", http.StatusBadRequest)
		return
	}
	if request.APIPrediction < 0 {
		http.Error(w, "api_prediction must not be negative", http.StatusBadRequest)
		return
	}

	band := p.predictor.Predict(request.Route, request.StopId, request.VehicleId,
		request.APIPrediction, time.Now())
	predictionsServed.Inc()
	writeJSON(p.log, w, band)
}

//driftCheckHandler serves drift reports
type driftCheckHandler struct {
	log     *logger.Logger
	checker driftChecker
}

//makeDriftCheckHandler driftCheckHandler factory
func makeDriftCheckHandler(log *logger.Logger, checker driftChecker) *driftCheckHandler {
	return &driftCheckHandler{
		log:     log,
		checker: checker,
	}
}

//ServeHTTP implements driftCheckHandler's http.Handler interface
func (d *driftCheckHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(d.log, w, d.checker.CheckDrift(time.Now()))
}

//modelStatusHandler serves model status summaries
type modelStatusHandler struct {
	log     *logger.Logger
	checker driftChecker
}

//makeModelStatusHandler modelStatusHandler factory
func makeModelStatusHandler(log *logger.Logger, checker driftChecker) *modelStatusHandler {
	return &modelStatusHandler{
		log:     log,
		checker: checker,
	}
}

//ServeHTTP implements modelStatusHandler's http.Handler interface
func (m *modelStatusHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(m.log, w, m.checker.GetModelStatus(time.Now()))
}

//routeReliabilityHandler serves per route reliability rankings
type routeReliabilityHandler struct {
	log          *logger.Logger
	provider     reliabilityDataProvider
	trailingDays int
}

//makeRouteReliabilityHandler routeReliabilityHandler factory
func makeRouteReliabilityHandler(log *logger.Logger,
	provider reliabilityDataProvider,
	trailingDays int) *routeReliabilityHandler {
	return &routeReliabilityHandler{
		log:          log,
		provider:     provider,
		trailingDays: trailingDays,
	}
}

//ServeHTTP implements routeReliabilityHandler's http.Handler interface
func (h *routeReliabilityHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	reliability, err := h.provider.GetRouteReliability(h.trailingDays)
	if err != nil {
		h.log.Printf("error retrieving route reliability: %s", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	if reliability == nil {
		reliability = []arrivals.RouteReliability{}
	}
	writeJSON(h.log, w, reliability)
}

//tripPlanResponse wraps the ranked options with an explicit plannable flag so an
//empty result is distinguishable from a failure
type tripPlanResponse struct {
	Plannable bool                     `json:"plannable"`
	Options   []tripplanner.TripOption `json:"options"`
	Message   string                   `json:"message,omitempty"`
}

//tripPlanHandler serves ranked walk-ride-walk itineraries
type tripPlanHandler struct {
	log     *logger.Logger
	planner tripPlanService
}

//makeTripPlanHandler tripPlanHandler factory
func makeTripPlanHandler(log *logger.Logger, planner tripPlanService) *tripPlanHandler {
	return &tripPlanHandler{
		log:     log,
		planner: planner,
	}
}

//ServeHTTP implements tripPlanHandler's http.Handler interface
func (h *tripPlanHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	coords, err := parseCoordinates(r)
	if err != nil {
		tripPlansServed.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	options, err := h.planner.PlanTrip(r.Context(), coords[0], coords[1], coords[2], coords[3], time.Now())
	if err != nil {
		switch {
		case errors.Is(err, tripplanner.ErrNoNearbyStops):
			tripPlansServed.WithLabelValues("no_nearby_service").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			writeJSONBody(h.log, w, tripPlanResponse{
				Options: []tripplanner.TripOption{},
				Message: "no stops within walking distance of origin or destination",
			})
		case errors.Is(err, tripplanner.ErrNotPlannable):
			tripPlansServed.WithLabelValues("not_plannable").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			writeJSONBody(h.log, w, tripPlanResponse{
				Options: []tripplanner.TripOption{},
				Message: "no route serves both origin and destination",
			})
		default:
			tripPlansServed.WithLabelValues("bad_request").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	tripPlansServed.WithLabelValues("ok").Inc()
	writeJSON(h.log, w, tripPlanResponse{Plannable: true, Options: options})
}

//parseCoordinates reads olat, olon, dlat and dlon from the request query
func parseCoordinates(r *http.Request) ([4]float64, error) {
	var coords [4]float64
	for i, name := range []string{"olat", "olon", "dlat", "dlon"} {
		value, err := strconv.ParseFloat(r.FormValue(name), 64)
		if err != nil {
			return coords, errors.New("missing or invalid query parameter: " + name)
		}
		coords[i] = value
	}
	return coords, nil
}

//writeJSON marshals payload as json to http.ResponseWriter
func writeJSON(log *logger.Logger, w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(log, w, payload)
}

func writeJSONBody(log *logger.Logger, w http.ResponseWriter, payload interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshaling response to json: error:%v\n", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	if _, err = w.Write(jsonData); err != nil {
		log.Printf("Error writing json response: %s", err)
	}
}

//createServer creates configured http.Server for responding to prediction service requests
func createServer(log *logger.Logger,
	predictor arrivalPredictor,
	checker driftChecker,
	planner tripPlanService,
	reliability reliabilityDataProvider,
	reliabilityTrailingDays int,
	httpPort int) *http.Server {

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.Handle("/api/predict-arrival-v2", makePredictArrivalHandler(log, predictor)).Methods(http.MethodPost)
	r.Handle("/api/drift/check", makeDriftCheckHandler(log, checker)).Methods(http.MethodGet)
	r.Handle("/api/model-status", makeModelStatusHandler(log, checker)).Methods(http.MethodGet)
	r.Handle("/api/route-reliability",
		makeRouteReliabilityHandler(log, reliability, reliabilityTrailingDays)).Methods(http.MethodGet)
	r.Handle("/api/trip-plan", makeTripPlanHandler(log, planner)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}

//runWebService starts up the prediction web service, and terminates on shutdown signal
func runWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	srv *http.Server,
	shutdownSignal chan bool,
) {
	wg.Add(1)
	defer wg.Done()
	log.Printf("Starting server on %s", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
	defer serverCancelFunc()

	select {
	case <-shutdownSignal:
		log.Printf("ending webservice on shutdown signal")
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			log.Printf("error shutting down webservice, error:%s", err)
		}
	}

}
