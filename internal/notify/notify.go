// Package notify delivers best-effort user notifications. Delivery runs off
// the request path: a send that cannot be queued or delivered is logged and
// dropped, never surfaced to the caller.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Message is one notification addressed to a single recipient.
type Message struct {
	Recipient string         `json:"recipient_uid"`
	Type      string         `json:"type"`
	Text      string         `json:"message"`
	Link      string         `json:"link,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Sink accepts notifications without blocking the caller.
type Sink interface {
	Send(Message)
}

// Discard drops every message. Used when no webhook is configured.
type Discard struct{}

func (Discard) Send(Message) {}

// Dispatcher queues messages and POSTs them to a webhook one at a time.
type Dispatcher struct {
	URL    string
	Logger *log.Logger

	ch     chan Message
	client *http.Client
	done   chan struct{}
}

// NewDispatcher builds a dispatcher; call Start before sending.
func NewDispatcher(url string, queueSize int, timeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		URL:    url,
		ch:     make(chan Message, queueSize),
		client: &http.Client{Timeout: timeout},
		done:   make(chan struct{}),
	}
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Close stops accepting messages and drains the queue.
func (d *Dispatcher) Close() {
	close(d.ch)
	<-d.done
}

// Send queues a message. A full queue drops the message with a log line
// rather than stalling the request.
func (d *Dispatcher) Send(m Message) {
	select {
	case d.ch <- m:
	default:
		d.logger().Printf("notify: queue full, dropping %s for %s", m.Type, m.Recipient)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.ch {
		d.deliver(m)
	}
}

func (d *Dispatcher) deliver(m Message) {
	if d.URL == "" {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		d.logger().Printf("notify: marshal %s: %v", m.Type, err)
		return
	}
	resp, err := d.client.Post(d.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		d.logger().Printf("notify: deliver %s to %s: %v", m.Type, m.Recipient, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger().Printf("notify: webhook returned %d for %s", resp.StatusCode, m.Type)
	}
}
