package securecache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

func testTrackerOptions() Options {
	opts := DefaultOptions("unused")
	opts.MaxAttempts = 5
	opts.LockoutDuration = 15 * time.Minute
	opts.RateLimitAttempts = 3
	opts.RateLimitWindow = 60 * time.Second
	return opts
}

func newTestTracker(t *testing.T, store persist.Store) (*AttemptTracker, *fakeClock) {
	t.Helper()
	tracker := NewAttemptTracker(store, &audit.NoOpLogger{}, testTrackerOptions())
	clock := newFakeClock(time.Now())
	tracker.now = clock.Now
	return tracker, clock
}

func TestTrackerLockoutThreshold(t *testing.T) {
	tracker, _ := newTestTracker(t, newTestStore(t))

	for i := 0; i < 4; i++ {
		locked, _ := tracker.RecordAttempt("tech1", false, "10.0.0.5")
		if locked {
			t.Fatalf("Locked after %d failures, expected lockout only at 5", i+1)
		}
	}

	locked, remaining := tracker.RecordAttempt("tech1", false, "10.0.0.5")
	if !locked {
		t.Fatal("Expected lockout on the 5th failure")
	}
	if remaining < 890 || remaining > 900 {
		t.Errorf("Expected about 900 seconds remaining, got %.1f", remaining)
	}

	isLocked, secs := tracker.IsLocked("tech1")
	if !isLocked || secs <= 0 {
		t.Errorf("Expected IsLocked to report the lockout, got (%v, %.1f)", isLocked, secs)
	}

	// Other principals are unaffected
	if isLocked, _ = tracker.IsLocked("tech2"); isLocked {
		t.Error("Unrelated principal reported locked")
	}
}

func TestTrackerSuccessClearsFailures(t *testing.T) {
	tracker, _ := newTestTracker(t, newTestStore(t))

	for i := 0; i < 4; i++ {
		tracker.RecordAttempt("tech1", false, "")
	}

	tracker.RecordAttempt("tech1", true, "")

	// Failure history starts over
	for i := 0; i < 4; i++ {
		if locked, _ := tracker.RecordAttempt("tech1", false, ""); locked {
			t.Fatalf("Locked after %d post-success failures", i+1)
		}
	}
}

func TestTrackerRecordSuccessKeepsRateWindow(t *testing.T) {
	tracker, _ := newTestTracker(t, newTestStore(t))

	tracker.RecordAttempt("tech1", false, "")
	tracker.RecordAttempt("tech1", false, "")
	tracker.RecordSuccess("tech1")

	if len(tracker.failedAttempts["tech1"]) != 0 {
		t.Error("Expected failure history to be cleared")
	}
	if len(tracker.rateLimit["tech1"]) != 2 {
		t.Error("Expected rate-limit window to be untouched by RecordSuccess")
	}
}

func TestTrackerLockoutExpiry(t *testing.T) {
	tracker, clock := newTestTracker(t, newTestStore(t))

	for i := 0; i < 5; i++ {
		tracker.RecordAttempt("tech1", false, "")
	}
	if locked, _ := tracker.IsLocked("tech1"); !locked {
		t.Fatal("Expected principal to be locked")
	}

	clock.Advance(15*time.Minute + time.Second)

	locked, secs := tracker.IsLocked("tech1")
	if locked || secs != 0 {
		t.Errorf("Expected lockout to expire, got (%v, %.1f)", locked, secs)
	}

	// A fresh valid attempt succeeds after expiry
	if locked, _ = tracker.RecordAttempt("tech1", true, ""); locked {
		t.Error("Expected post-expiry success to be accepted")
	}
}

func TestTrackerRateLimit(t *testing.T) {
	tracker, clock := newTestTracker(t, newTestStore(t))

	// Successes count toward the rate limit too
	tracker.RecordAttempt("tech1", true, "")
	tracker.RecordAttempt("tech1", true, "")

	limited, remaining := tracker.IsRateLimited("tech1")
	if limited || remaining != 1 {
		t.Errorf("Expected 1 attempt remaining, got (%v, %d)", limited, remaining)
	}

	tracker.RecordAttempt("tech1", false, "")

	if limited, _ = tracker.IsRateLimited("tech1"); !limited {
		t.Error("Expected rate limit after 3 attempts in the window")
	}

	// The window slides
	clock.Advance(61 * time.Second)
	limited, remaining = tracker.IsRateLimited("tech1")
	if limited || remaining != 3 {
		t.Errorf("Expected full allowance after window elapsed, got (%v, %d)", limited, remaining)
	}
}

func TestTrackerUnlock(t *testing.T) {
	tracker, _ := newTestTracker(t, newTestStore(t))

	if tracker.Unlock("tech1") {
		t.Error("Unlock of an unlocked principal should return false")
	}

	for i := 0; i < 5; i++ {
		tracker.RecordAttempt("tech1", false, "")
	}

	if !tracker.Unlock("tech1") {
		t.Error("Expected Unlock to clear an active lockout")
	}
	if locked, _ := tracker.IsLocked("tech1"); locked {
		t.Error("Principal still locked after Unlock")
	}
	if len(tracker.failedAttempts["tech1"]) != 0 {
		t.Error("Expected failure history to be cleared by Unlock")
	}
}

func TestTrackerDurability(t *testing.T) {
	store := newTestStore(t)
	tracker, clock := newTestTracker(t, store)

	for i := 0; i < 5; i++ {
		tracker.RecordAttempt("tech1", false, "10.0.0.5")
	}
	tracker.RecordAttempt("tech2", true, "")

	// Simulated restart: a new tracker over the same store
	restarted := NewAttemptTracker(store, &audit.NoOpLogger{}, testTrackerOptions())
	restarted.now = clock.Now

	if locked, secs := restarted.IsLocked("tech1"); !locked || secs <= 0 {
		t.Errorf("Expected lockout to survive restart, got (%v, %.1f)", locked, secs)
	}
	if limited, remaining := restarted.IsRateLimited("tech2"); limited || remaining != 2 {
		t.Errorf("Expected rate-limit window to survive restart, got (%v, %d)", limited, remaining)
	}
}

func TestTrackerStateFileCompatibility(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(time.Now())

	// State written by an earlier deployment: tuple lists and null sources
	nowSecs := float64(clock.Now().UnixNano()) / float64(time.Second)
	legacy := map[string]interface{}{
		"failed_attempts": map[string]interface{}{
			"tech1": []interface{}{
				[]interface{}{nowSecs - 10, "10.0.0.5"},
				[]interface{}{nowSecs - 5, nil},
			},
		},
		"locked_until": map[string]interface{}{
			"tech3": nowSecs + 600,
		},
		"rate_limit": map[string]interface{}{
			"tech1": []interface{}{
				[]interface{}{nowSecs - 2, "10.0.0.5"},
			},
		},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("Failed to marshal legacy state: %v", err)
	}
	if _, err = store.SaveTrackerState(data, ""); err != nil {
		t.Fatalf("Failed to plant legacy state: %v", err)
	}

	tracker := NewAttemptTracker(store, &audit.NoOpLogger{}, testTrackerOptions())
	tracker.now = clock.Now

	if got := len(tracker.failedAttempts["tech1"]); got != 2 {
		t.Errorf("Expected 2 failed attempts loaded, got %d", got)
	}
	if tracker.failedAttempts["tech1"][1].Source != "" {
		t.Error("Expected null source to load as empty string")
	}
	if locked, _ := tracker.IsLocked("tech3"); !locked {
		t.Error("Expected lockout to load from legacy state")
	}

	// Round trip: what this tracker writes must stay tuple-shaped
	tracker.RecordAttempt("tech1", false, "10.0.0.6")
	versioned, err := store.LoadTrackerState()
	if err != nil {
		t.Fatalf("Failed to reload state: %v", err)
	}
	var shape struct {
		FailedAttempts map[string][][]interface{} `json:"failed_attempts"`
	}
	if err = json.Unmarshal(versioned.Data, &shape); err != nil {
		t.Fatalf("Persisted state is not tuple-shaped: %v", err)
	}
	if len(shape.FailedAttempts["tech1"]) != 3 {
		t.Errorf("Expected 3 persisted failures, got %d", len(shape.FailedAttempts["tech1"]))
	}
}

func TestTrackerPrune(t *testing.T) {
	tracker, clock := newTestTracker(t, newTestStore(t))

	tracker.RecordAttempt("tech1", false, "")
	tracker.RecordAttempt("tech2", true, "")

	clock.Advance(16 * time.Minute)
	tracker.Prune()

	if len(tracker.failedAttempts) != 0 {
		t.Error("Expected aged-out failures to be pruned")
	}
	if len(tracker.rateLimit) != 0 {
		t.Error("Expected aged-out rate-limit entries to be pruned")
	}
}

func TestTrackerSelfTestPrincipalExempt(t *testing.T) {
	tracker, _ := newTestTracker(t, newTestStore(t))

	for i := 0; i < 20; i++ {
		if locked, _ := tracker.RecordAttempt(misc.SelfTestPrincipal, false, ""); locked {
			t.Fatal("Self-test principal must never lock")
		}
	}
	if locked, _ := tracker.IsLocked(misc.SelfTestPrincipal); locked {
		t.Error("Self-test principal reported locked")
	}
	if limited, _ := tracker.IsRateLimited(misc.SelfTestPrincipal); limited {
		t.Error("Self-test principal reported rate limited")
	}
}

func TestTrackerMaintenanceStartStop(t *testing.T) {
	tracker, _ := newTestTracker(t, newTestStore(t))

	tracker.StartMaintenance(10 * time.Millisecond)
	tracker.StartMaintenance(10 * time.Millisecond) // idempotent
	time.Sleep(30 * time.Millisecond)
	tracker.StopMaintenance()
	tracker.StopMaintenance() // safe when stopped
}
