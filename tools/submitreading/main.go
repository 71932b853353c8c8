// Command submitreading publishes a raw telemetry job straight to the ingest
// exchange. Handy for exercising the worker end to end without the API in
// front of it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

type job struct {
	JobID            uuid.UUID   `json:"job_id"`
	DeviceIdentifier string      `json:"device_identifier"`
	Technology       string      `json:"technology"`
	PayloadHex       string      `json:"payload_hex"`
	DeclaredTime     interface{} `json:"declared_time,omitempty"`
	Source           string      `json:"source"`
	ReceivedAt       time.Time   `json:"received_at"`
}

func main() {
	_ = godotenv.Load()

	var (
		device     = flag.String("device", "", "device serial number (required)")
		technology = flag.String("technology", "LORAWAN", "LORAWAN, SIGFOX or NB_IOT")
		payload    = flag.String("payload", "", "hex payload (required)")
		declared   = flag.String("time", "", "declared reading time, any supported encoding")
		exchange   = flag.String("exchange", envOr("RABBITMQ_INGEST_EXCHANGE", "water-metering.ingest.exchange"), "ingest exchange")
		routingKey = flag.String("key", envOr("RABBITMQ_INGEST_ROUTING_KEY", "meter.telemetry.raw"), "routing key")
	)
	flag.Parse()

	if *device == "" || *payload == "" {
		flag.Usage()
		os.Exit(2)
	}

	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		fatal("RABBITMQ_URL is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		fatal("failed to connect: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		fatal("failed to open channel: %v", err)
	}
	defer ch.Close()

	j := job{
		JobID:            uuid.New(),
		DeviceIdentifier: *device,
		Technology:       *technology,
		PayloadHex:       *payload,
		Source:           "manual",
		ReceivedAt:       time.Now().UTC(),
	}
	if *declared != "" {
		j.DeclaredTime = *declared
	}

	body, err := json.Marshal(j)
	if err != nil {
		fatal("failed to marshal job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(ctx, *exchange, *routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		fatal("failed to publish: %v", err)
	}

	fmt.Printf("published job %s to %s/%s\n", j.JobID, *exchange, *routingKey)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
