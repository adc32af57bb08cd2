// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"testing"
	"time"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// QuietLogs mutes the relay logger for the duration of the test.
func QuietLogs(t testing.TB) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(t.Logf) })
}

// Eventually polls cond every millisecond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// Frame builds a frame from xyz triples. Point i gets timestamp ts+i/1000.
func Frame(seq uint32, ts float64, xyz ...[3]float32) *cloud.Frame {
	f := cloud.NewFrame(len(xyz))
	f.Seq = seq
	for i, p := range xyz {
		f.Points = append(f.Points, cloud.Point{
			X: p[0], Y: p[1], Z: p[2],
			Intensity: 1,
			Timestamp: ts + float64(i)/1000,
		})
	}
	return f
}

// Points returns the points of Frame(0, ts, xyz...).
func Points(ts float64, xyz ...[3]float32) []cloud.Point {
	return Frame(0, ts, xyz...).Points
}
