package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

// TestAssertNoError_NilErr tests nil error path.
func TestAssertNoError_NilErr(t *testing.T) {
	fakeT := &testing.T{}
	AssertNoError(fakeT, nil)
	if fakeT.Failed() {
		t.Error("expected no failure for nil error")
	}
}

// TestAssertError_WithErr tests non-nil error path.
func TestAssertError_WithErr(t *testing.T) {
	fakeT := &testing.T{}
	AssertError(fakeT, errors.New("something wrong"))
	if fakeT.Failed() {
		t.Error("expected no failure when error is present")
	}
}

func TestEventually_ConditionMet(t *testing.T) {
	calls := 0
	Eventually(t, time.Second, func() bool {
		calls++
		return calls >= 3
	}, "three polls")
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestFrame_TimestampsAndSeq(t *testing.T) {
	f := Frame(7, 10, [3]float32{1, 2, 3}, [3]float32{4, 5, 6})
	if f.Seq != 7 {
		t.Errorf("seq = %d, want 7", f.Seq)
	}
	if f.Len() != 2 {
		t.Fatalf("len = %d, want 2", f.Len())
	}
	if d := f.Points[1].Timestamp - 10.001; d > 1e-9 || d < -1e-9 {
		t.Errorf("timestamp = %v, want 10.001", f.Points[1].Timestamp)
	}
}

func TestQuietLogs(t *testing.T) {
	QuietLogs(t)
	// Must not reach the test log.
	monitoring.Logf("muted %d", 1)
}
