package main

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

func main() {
	nc, _ := nats.Connect(nats.DefaultURL)
	js, _ := nc.JetStream(nats.PublishAsyncMaxPending(65536))

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     "ORDERS",
		Subjects: []string{"ORDERS.*"},
	})

	start := time.Now()
	total := 1_000_000
	for i := range total {
		_ = i
		now := time.Now()
		go func() {
			event := &model.OrderEvent{
				EventID:       "EventID",
				OrderID:       "OrderID",
				Venue:         "paper",
				ClientOrderID: "ClientOrderID",
				VenueOrderID:  "VenueOrderID",
				Symbol:        "AAPL",
				Status:        model.OrderStatusFilled,
				FillQuantity:  decimal.NewFromInt(1000),
				FillPrice:     decimal.NewFromInt(150),
				Timestamp:     now,
			}

			data, err := json.Marshal(event)
			if err != nil {
				log.Println("marshal", err)
			}
			ackFuture, err := js.PublishAsync("ORDERS.events", data)
			if err != nil {
				log.Println("publish", err)
			}

			errCh := make(chan error, 100)
			go func(idx int, paf nats.PubAckFuture) {
				select {
				case ack := <-paf.Ok():
					log.Printf("Ack received for msg %d, seq=%d\n", idx, ack.Sequence)
				case err := <-paf.Err():
					log.Printf("Publish failed for msg %d: %v\n", idx, err)
					errCh <- err
				case <-time.After(5 * time.Second):
					log.Printf("Timeout waiting for ack of msg %d\n", idx)
				}
			}(i, ackFuture)
		}()
	}

	elapsed := time.Since(start)
	msgsPerSec := float64(total) / elapsed.Seconds()

	log.Printf("Sent %d messages in %v", total, elapsed)
	log.Printf("Throughput: %.2f messages/sec", msgsPerSec)
}
