package vision

import (
	"testing"
	"time"
)

func TestBBoxCentroid(t *testing.T) {
	b := BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}
	x, y := b.Centroid()
	if x != 200 || y != 300 {
		t.Fatalf("centroid = (%v, %v), want (200, 300)", x, y)
	}
}

func TestBestPicksHighestConfidence(t *testing.T) {
	dets := []Detection{
		{Class: "plastic", Confidence: 0.4},
		{Class: "banana", Confidence: 0.9},
		{Class: "chips", Confidence: 0.7},
	}
	best, ok := Best(dets)
	if !ok || best.Class != "banana" {
		t.Fatalf("Best = %+v ok=%v, want banana", best, ok)
	}

	if _, ok := Best(nil); ok {
		t.Fatal("Best(nil) reported ok")
	}
}

func TestLatestBufferReplacesUnread(t *testing.T) {
	var buf LatestBuffer

	if _, ok := buf.Take(); ok {
		t.Fatal("Take on empty buffer reported a frame")
	}

	buf.Put(Frame{Timestamp: time.Unix(1, 0)})
	buf.Put(Frame{Timestamp: time.Unix(2, 0)})

	f, ok := buf.Take()
	if !ok {
		t.Fatal("Take reported empty after Put")
	}
	if f.Timestamp != time.Unix(2, 0) {
		t.Fatalf("got frame %v, want the newer frame", f.Timestamp)
	}

	if _, ok := buf.Take(); ok {
		t.Fatal("second Take returned a frame, slot should be cleared")
	}
}
