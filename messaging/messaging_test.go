package messaging

import (
	"testing"

	"sortarm/config"
	"sortarm/vision"
)

func TestClientUnknownBackend(t *testing.T) {
	c := NewClient(&config.MessagingConfig{Backend: "carrier-pigeon"})
	if err := c.Connect(); err == nil {
		t.Fatal("unknown backend accepted")
	}
	if c.IsConnected() {
		t.Fatal("unknown backend reports connected")
	}
}

func TestDetectionSubscriberParsesFrames(t *testing.T) {
	var buf vision.LatestBuffer
	s := NewDetectionSubscriber(nil, config.Defaults(), &buf)

	payload := []byte(`{
		"timestamp": "2026-08-30T10:15:00Z",
		"detections": [
			{"class_name": "banana", "confidence": 0.92, "bbox": {"x1": 300, "y1": 220, "x2": 340, "y2": 260}}
		]
	}`)
	s.handleMessage(payload)

	frame, ok := buf.Take()
	if !ok {
		t.Fatal("frame not buffered")
	}
	if len(frame.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(frame.Detections))
	}
	d := frame.Detections[0]
	if d.Class != "banana" || d.Confidence != 0.92 {
		t.Fatalf("detection = %+v", d)
	}
	x, y := d.BBox.Centroid()
	if x != 320 || y != 240 {
		t.Fatalf("centroid = (%v, %v)", x, y)
	}
}

func TestDetectionSubscriberSkipsGarbage(t *testing.T) {
	var buf vision.LatestBuffer
	s := NewDetectionSubscriber(nil, config.Defaults(), &buf)

	s.handleMessage([]byte("not json"))
	if _, ok := buf.Take(); ok {
		t.Fatal("malformed payload buffered")
	}
}

func TestDetectionSubscriberStampsMissingTimestamp(t *testing.T) {
	var buf vision.LatestBuffer
	s := NewDetectionSubscriber(nil, config.Defaults(), &buf)

	s.handleMessage([]byte(`{"detections": []}`))
	frame, ok := buf.Take()
	if !ok {
		t.Fatal("frame not buffered")
	}
	if frame.Timestamp.IsZero() {
		t.Fatal("missing timestamp not filled in")
	}
}
