package prediction

import (
	"sync"
	"testing"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/matryer/is"
)

// captureRecorder collects persisted records behind a mutex
type captureRecorder struct {
	mu      sync.Mutex
	records []*arrivals.ABTestRecord
}

func (c *captureRecorder) RecordABTest(record *arrivals.ABTestRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func (c *captureRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// captureDestination collects published records behind a mutex
type captureDestination struct {
	mu        sync.Mutex
	published []*arrivals.ABTestRecord
}

func (c *captureDestination) Publish(record *arrivals.ABTestRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, record)
	return nil
}

func (c *captureDestination) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func TestABLog_persistsAndPublishesQueuedRecords(t *testing.T) {
	is := is.New(t)
	recorder := &captureRecorder{}
	destination := &captureDestination{}
	abLog := MakeABLog(testLog(), recorder, destination, 16)

	at := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)
	abLog.Enqueue("33", "7601", "vehicle-1", 5, 4.5, at)
	abLog.Enqueue("72", "9303", "vehicle-2", 8, 8.2, at)

	wg := sync.WaitGroup{}
	shutdownSignal := make(chan bool, 1)
	go abLog.Run(&wg, shutdownSignal)

	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	shutdownSignal <- true
	wg.Wait()

	is.Equal(2, recorder.count())
	is.Equal(2, destination.count())
	is.Equal(int64(0), abLog.DroppedCount())

	recorder.mu.Lock()
	first := recorder.records[0]
	recorder.mu.Unlock()
	is.Equal("33", first.RouteId)
	is.Equal(5.0, first.APIEtaMin)
	is.Equal(4.5, first.MLEtaMin)
	is.True(!first.Matched)
}

func TestABLog_fullQueueDropsWithoutBlocking(t *testing.T) {
	is := is.New(t)
	abLog := MakeABLog(testLog(), &captureRecorder{}, nil, 1)

	at := time.Now()
	// no worker running, second and third enqueues must drop instead of blocking
	done := make(chan bool, 1)
	go func() {
		abLog.Enqueue("33", "7601", "vehicle-1", 5, 4.5, at)
		abLog.Enqueue("33", "7601", "vehicle-2", 5, 4.5, at)
		abLog.Enqueue("33", "7601", "vehicle-3", 5, 4.5, at)
		done <- true
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Enqueue blocked on a full queue")
	}
	is.Equal(int64(2), abLog.DroppedCount())
}

func TestABLog_drainWritesRemainingRecordsOnShutdown(t *testing.T) {
	is := is.New(t)
	recorder := &captureRecorder{}
	abLog := MakeABLog(testLog(), recorder, nil, 16)

	at := time.Now()
	abLog.Enqueue("33", "7601", "vehicle-1", 5, 4.5, at)
	abLog.Enqueue("33", "7601", "vehicle-2", 6, 5.5, at)

	wg := sync.WaitGroup{}
	shutdownSignal := make(chan bool, 1)
	shutdownSignal <- true
	abLog.Run(&wg, shutdownSignal)

	is.Equal(2, recorder.count())
}
