package messaging

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"sortarm/arm"
)

// StatusSource provides the snapshot published in each status report.
type StatusSource interface {
	Status() arm.Status
	Type() string
	Statistics() arm.Statistics
}

// StatusReport is the periodic state snapshot published to the status topic.
type StatusReport struct {
	Hostname   string         `json:"hostname"`
	ArmType    string         `json:"arm_type"`
	Status     arm.Status     `json:"status"`
	Statistics arm.Statistics `json:"statistics"`
	Uptime     int64          `json:"uptime_seconds"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StatusReporter periodically publishes the arm's status.
type StatusReporter struct {
	client    *Client
	source    StatusSource
	topic     string
	interval  time.Duration
	startTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStatusReporter creates a status reporter for the given arm source.
func NewStatusReporter(client *Client, source StatusSource, topic string, interval time.Duration) *StatusReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusReporter{
		client:   client,
		source:   source,
		topic:    topic,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start publishes an initial report and begins the periodic loop.
func (r *StatusReporter) Start() {
	r.startTime = time.Now()
	r.publish()
	go r.loop()
}

// Stop halts the reporting loop.
func (r *StatusReporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *StatusReporter) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.publish()
		}
	}
}

func (r *StatusReporter) publish() {
	if !r.client.IsConnected() {
		return
	}
	hostname, _ := os.Hostname()
	report := StatusReport{
		Hostname:   hostname,
		ArmType:    r.source.Type(),
		Status:     r.source.Status(),
		Statistics: r.source.Statistics(),
		Uptime:     int64(time.Since(r.startTime).Seconds()),
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(report)
	if err != nil {
		log.Printf("status reporter: marshal: %v", err)
		return
	}
	if err := r.client.Publish(r.topic, payload); err != nil {
		log.Printf("status reporter: publish: %v", err)
	}
}
