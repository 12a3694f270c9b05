package predsvc

import (
	"encoding/json"
	logger "log"
	"os"
	"sync"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
)

//runArrivalListener starts NATS subscription on arrivalSubject for arrivals.Outcome messages.
//Each observation is recorded and immediately matched against outstanding a/b records.
//Ends NATS subscription and returns on shutdownSignal
func runArrivalListener(
	log *logger.Logger,
	wg *sync.WaitGroup,
	natsConn *nats.Conn,
	db *sqlx.DB,
	arrivalSubject string,
	matchWindowMinutes int,
	shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	ch := make(chan *nats.Msg, 64)
	log.Printf("Subscribing to arrival observations on subject:%s on nats: %v\n", arrivalSubject,
		natsConn.Servers())
	sub, err := natsConn.ChanSubscribe(arrivalSubject, ch)
	if err != nil {
		log.Printf("Unable to establish subscription to nats server: %v\n", err)
		os.Exit(1)
	}

	for {
		select {
		case msg := <-ch:
			processArrivalFromMsg(log, msg, db, matchWindowMinutes)
			break
		case <-shutdownSignal:
			log.Printf("ending arrival listener on shutdown signal\n")
			log.Printf("unsubscribing to nats\n")
			err = sub.Unsubscribe()
			if err != nil {
				log.Printf("Error unsubscribing to nats:%s", err)
			}
			return
		}
	}
}

//processArrivalFromMsg un-marshals arrivals.Outcome from nats.Msg, records it and matches
//it against unmatched a/b records for the same vehicle and stop
func processArrivalFromMsg(log *logger.Logger,
	msg *nats.Msg,
	db *sqlx.DB,
	matchWindowMinutes int) {
	var outcome arrivals.Outcome
	err := json.Unmarshal(msg.Data, &outcome)
	if err != nil {
		log.Printf("error parsing arrival observation: %s, payload:%s", err, string(msg.Data))
		return
	}
	arrivalObservations.Inc()

	if err = arrivals.RecordOutcome(db, &outcome); err != nil {
		log.Printf("error recording arrival observation: %s", err)
		return
	}

	matched, err := arrivals.MatchOutcome(db, outcome.VehicleId, outcome.StopId,
		outcome.ActualArrival, matchWindowMinutes)
	if err != nil {
		log.Printf("error matching arrival observation: %s", err)
		return
	}
	if matched > 0 {
		matchedOutcomes.Add(float64(matched))
	}
}
