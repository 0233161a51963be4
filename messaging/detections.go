package messaging

import (
	"encoding/json"
	"log"
	"time"

	"sortarm/config"
	"sortarm/vision"
)

// DetectionSubscriber routes inbound detection frames from the vision node
// into the latest-frame buffer the sorter polls.
type DetectionSubscriber struct {
	client *Client
	cfg    *config.Config
	buf    *vision.LatestBuffer
}

// NewDetectionSubscriber creates the inbound detection subscriber.
func NewDetectionSubscriber(client *Client, cfg *config.Config, buf *vision.LatestBuffer) *DetectionSubscriber {
	return &DetectionSubscriber{client: client, cfg: cfg, buf: buf}
}

// Start subscribes to the detections topic.
func (s *DetectionSubscriber) Start() error {
	return s.client.Subscribe(s.cfg.Messaging.DetectionsTopic, s.handleMessage)
}

func (s *DetectionSubscriber) handleMessage(payload []byte) {
	var frame vision.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("unmarshal detection frame: %v", err)
		return
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	s.buf.Put(frame)
}
