package prediction

import (
	"encoding/json"
	"fmt"
	logger "log"
	"sync"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
)

// abTestRecorder persists a/b test records
type abTestRecorder interface {
	RecordABTest(record *arrivals.ABTestRecord) error
}

// dbABTestRecorder uses a database connection to persist a/b test records
type dbABTestRecorder struct {
	db *sqlx.DB
}

func (d *dbABTestRecorder) RecordABTest(record *arrivals.ABTestRecord) error {
	return arrivals.RecordABTest(d.db, record)
}

// MakeDBRecorder builds the database backed recorder for MakeABLog
func MakeDBRecorder(db *sqlx.DB) *dbABTestRecorder {
	return &dbABTestRecorder{db: db}
}

// servedCorrectionDestination is where served corrections should be sent after recording
type servedCorrectionDestination interface {
	Publish(record *arrivals.ABTestRecord) error
}

// natsServedCorrectionDestination sends served corrections over nats
type natsServedCorrectionDestination struct {
	natsConn *nats.Conn
	subject  string
}

func (n *natsServedCorrectionDestination) Publish(record *arrivals.ABTestRecord) error {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("error marshaling served correction to json: %w", err)
	}
	return n.natsConn.Publish(n.subject, jsonData)
}

// MakeNatsDestination builds the nats backed destination for MakeABLog
func MakeNatsDestination(natsConn *nats.Conn, subject string) *natsServedCorrectionDestination {
	return &natsServedCorrectionDestination{
		natsConn: natsConn,
		subject:  subject,
	}
}

// ABLog queues a/b test records from the request path and writes them in the
// background, so a slow store write never adds latency to a prediction response.
// A full queue drops the record rather than blocking the caller
type ABLog struct {
	log         *logger.Logger
	recorder    abTestRecorder
	destination servedCorrectionDestination
	queue       chan *arrivals.ABTestRecord
	dropped     int64
	mu          sync.Mutex
}

// MakeABLog builds ABLog with a bounded queue. destination may be nil when no
// downstream consumer wants served corrections
func MakeABLog(log *logger.Logger,
	recorder abTestRecorder,
	destination servedCorrectionDestination,
	queueSize int) *ABLog {
	return &ABLog{
		log:         log,
		recorder:    recorder,
		destination: destination,
		queue:       make(chan *arrivals.ABTestRecord, queueSize),
	}
}

// Enqueue files a served correction for background persistence. Never blocks
func (l *ABLog) Enqueue(routeId string,
	stopId string,
	vehicleId string,
	apiEtaMin float64,
	mlEtaMin float64,
	at time.Time) {

	record := &arrivals.ABTestRecord{
		RouteId:   routeId,
		StopId:    stopId,
		VehicleId: vehicleId,
		APIEtaMin: apiEtaMin,
		MLEtaMin:  mlEtaMin,
		CreatedAt: at,
	}
	select {
	case l.queue <- record:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		l.log.Printf("ab test queue full, dropped record for route %s stop %s (%d dropped total)",
			routeId, stopId, dropped)
	}
}

// DroppedCount returns how many records have been dropped on a full queue
func (l *ABLog) DroppedCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Run drains the queue until shutdownSignal, persisting each record and publishing
// it to the destination when one is configured
func (l *ABLog) Run(wg *sync.WaitGroup, shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	for {
		select {
		case record := <-l.queue:
			l.writeRecord(record)
		case <-shutdownSignal:
			l.log.Printf("Exiting ab test log writer on shutdown signal, draining %d queued records", len(l.queue))
			l.drain()
			return
		}
	}
}

// drain writes whatever is left in the queue at shutdown
func (l *ABLog) drain() {
	for {
		select {
		case record := <-l.queue:
			l.writeRecord(record)
		default:
			return
		}
	}
}

func (l *ABLog) writeRecord(record *arrivals.ABTestRecord) {
	if err := l.recorder.RecordABTest(record); err != nil {
		l.log.Printf("unable to persist ab test record for route %s stop %s: %v",
			record.RouteId, record.StopId, err)
		return
	}
	if l.destination != nil {
		if err := l.destination.Publish(record); err != nil {
			l.log.Printf("unable to publish served correction for route %s stop %s: %v",
				record.RouteId, record.StopId, err)
		}
	}
}
