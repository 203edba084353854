// mesh-bridge subscribes to a Meshtastic MQTT feed and forwards each JSON
// event to the coverage-report ingest endpoint. Forwarding is at-least-once:
// the server's dedup ledger absorbs redeliveries, keyed by the idempotency
// header derived from the mesh packet.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	brokerAddr = flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	topic      = flag.String("topic", "msh/+/json/#", "MQTT topic filter for Meshtastic JSON events")
	serverURL  = flag.String("server", "http://localhost:8080", "Base URL of the coverage-report server")
	apiKey     = flag.String("api-key", "", "API key for the server")
	timeout    = flag.Duration("timeout", 10*time.Second, "HTTP forward timeout")
)

type forwarder struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// idempotencyKey derives a stable key for one mesh packet so broker
// redeliveries dedup server-side. The packet id scoped by sender is
// preferred; anything unidentifiable falls back to a payload hash.
func idempotencyKey(payload []byte) string {
	var event struct {
		From   any `json:"from"`
		FromID any `json:"fromId"`
		ID     any `json:"id"`
	}
	if err := json.Unmarshal(payload, &event); err == nil && event.ID != nil {
		sender := event.FromID
		if sender == nil {
			sender = event.From
		}
		return fmt.Sprintf("mesh:%s:%s", stringify(sender), stringify(event.ID))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// stringify renders an identity field; JSON numbers decode as float64 and
// node/packet ids are integers on the wire.
func stringify(v any) string {
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%v", v)
}

func (f *forwarder) forward(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, f.baseURL+"/api/ingest/meshtastic", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey(payload))
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

func main() {
	flag.Parse()

	if key := os.Getenv("COVERAGE_API_KEY"); *apiKey == "" && key != "" {
		*apiKey = key
	}

	f := &forwarder{
		client:  &http.Client{Timeout: *timeout},
		baseURL: *serverURL,
		apiKey:  *apiKey,
	}

	clientID := fmt.Sprintf("mesh-bridge-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(*topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			if !json.Valid(msg.Payload()) {
				log.Printf("skipping non-JSON message on %s", msg.Topic())
				return
			}
			if err := f.forward(msg.Payload()); err != nil {
				log.Printf("failed to forward message from %s: %v", msg.Topic(), err)
				return
			}
			log.Printf("forwarded %d bytes from %s", len(msg.Payload()), msg.Topic())
		})
		if token.Wait() && token.Error() != nil {
			log.Fatalf("failed to subscribe to %s: %v", *topic, token.Error())
		}
		log.Printf("subscribed to %s", *topic)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	client.Disconnect(250)
	log.Print("bridge stopped")
}
