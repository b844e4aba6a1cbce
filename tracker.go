package securecache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

// attemptEntry is one recorded attempt: when it happened and where it came
// from. It serializes as a two-element array [timestamp, source] with the
// timestamp as fractional epoch seconds, matching the on-disk state written
// by earlier deployments.
type attemptEntry struct {
	Timestamp float64
	Source    string
}

func (e attemptEntry) MarshalJSON() ([]byte, error) {
	var source interface{}
	if e.Source != "" {
		source = e.Source
	}
	return json.Marshal([2]interface{}{e.Timestamp, source})
}

func (e *attemptEntry) UnmarshalJSON(data []byte) error {
	var pair []interface{}
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) < 1 {
		return fmt.Errorf("attempt entry must have a timestamp")
	}
	ts, ok := pair[0].(float64)
	if !ok {
		return fmt.Errorf("attempt timestamp must be a number")
	}
	e.Timestamp = ts
	e.Source = ""
	if len(pair) > 1 {
		if s, ok := pair[1].(string); ok {
			e.Source = s
		}
	}
	return nil
}

// trackerState is the persisted shape of the attempt tracker.
type trackerState struct {
	FailedAttempts map[string][]attemptEntry `json:"failed_attempts"`
	LockedUntil    map[string]float64        `json:"locked_until"`
	RateLimit      map[string][]attemptEntry `json:"rate_limit"`
}

// AttemptTracker implements lockout and rate limiting for PIN attempts.
// Failed attempts within the lockout window trigger a lockout; the rate
// limiter counts every attempt, successful or not, over its own sliding
// window. The two mechanisms are independent.
//
// State is persisted after every mutation on a best-effort basis: a failed
// save degrades durability across restarts, never availability.
type AttemptTracker struct {
	store   persist.Store
	auditor audit.Logger
	now     func() time.Time

	maxAttempts       int
	lockoutDuration   time.Duration
	rateLimitAttempts int
	rateLimitWindow   time.Duration

	mu             sync.Mutex
	failedAttempts map[string][]attemptEntry
	lockedUntil    map[string]float64
	rateLimit      map[string][]attemptEntry
	stateVersion   string

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
}

// NewAttemptTracker loads any persisted tracker state from store and returns
// a ready tracker. Unreadable state starts empty rather than failing.
func NewAttemptTracker(store persist.Store, auditor audit.Logger, opts Options) *AttemptTracker {
	t := &AttemptTracker{
		store:             store,
		auditor:           auditor,
		now:               time.Now,
		maxAttempts:       opts.MaxAttempts,
		lockoutDuration:   opts.LockoutDuration,
		rateLimitAttempts: opts.RateLimitAttempts,
		rateLimitWindow:   opts.RateLimitWindow,
		failedAttempts:    make(map[string][]attemptEntry),
		lockedUntil:       make(map[string]float64),
		rateLimit:         make(map[string][]attemptEntry),
	}
	t.loadState()
	return t
}

// IsLocked reports whether principal is locked out and, if so, the seconds
// until the lockout expires. Expired lockouts are pruned on the way.
func (t *AttemptTracker) IsLocked(principal string) (bool, float64) {
	if principal == misc.SelfTestPrincipal {
		return false, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneExpiredLocked()

	if unlockTime, ok := t.lockedUntil[principal]; ok {
		nowSecs := t.nowSeconds()
		if nowSecs < unlockTime {
			return true, unlockTime - nowSecs
		}
	}
	return false, 0
}

// IsRateLimited reports whether principal has exhausted the rate-limit
// window and, if not, how many attempts remain.
func (t *AttemptTracker) IsRateLimited(principal string) (bool, int) {
	if principal == misc.SelfTestPrincipal {
		return false, t.rateLimitAttempts
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.nowSeconds() - t.rateLimitWindow.Seconds()
	recent := 0
	for _, entry := range t.rateLimit[principal] {
		if entry.Timestamp >= cutoff {
			recent++
		}
	}

	if recent >= t.rateLimitAttempts {
		return true, 0
	}
	return false, t.rateLimitAttempts - recent
}

// RecordAttempt records one attempt for principal. Every attempt counts
// toward the rate limit; failures additionally count toward lockout, and a
// success clears the failure history and any active lockout. The return
// values report whether this call set a lockout and the seconds remaining.
func (t *AttemptTracker) RecordAttempt(principal string, success bool, source string) (bool, float64) {
	if principal == misc.SelfTestPrincipal {
		return false, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	nowSecs := t.nowSeconds()
	entry := attemptEntry{Timestamp: nowSecs, Source: source}
	t.rateLimit[principal] = append(t.rateLimit[principal], entry)

	if success {
		delete(t.failedAttempts, principal)
		delete(t.lockedUntil, principal)
		t.saveStateLocked()
		return false, 0
	}

	t.failedAttempts[principal] = append(t.failedAttempts[principal], entry)

	// Only failures inside the lockout window count toward the threshold
	cutoff := nowSecs - t.lockoutDuration.Seconds()
	recentFailures := 0
	for _, e := range t.failedAttempts[principal] {
		if e.Timestamp >= cutoff {
			recentFailures++
		}
	}

	if recentFailures >= t.maxAttempts {
		unlockTime := nowSecs + t.lockoutDuration.Seconds()
		t.lockedUntil[principal] = unlockTime
		_ = t.auditor.LogAccess("lockout_set", principal, source, false, map[string]interface{}{
			"failed_attempts": recentFailures,
			"lockout_seconds": t.lockoutDuration.Seconds(),
		})
		t.saveStateLocked()
		return true, unlockTime - nowSecs
	}

	t.saveStateLocked()
	return false, 0
}

// RecordSuccess clears the failure history for principal without touching
// the rate-limit window.
func (t *AttemptTracker) RecordSuccess(principal string) {
	if principal == misc.SelfTestPrincipal {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.failedAttempts[principal]; ok {
		delete(t.failedAttempts, principal)
		t.saveStateLocked()
	}
}

// Unlock removes an active lockout and the failure history behind it.
// Returns false if principal was not locked. The rate-limit window is
// untouched: unlocking restores access, not extra attempts.
func (t *AttemptTracker) Unlock(principal string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.lockedUntil[principal]; !ok {
		return false
	}
	delete(t.lockedUntil, principal)
	delete(t.failedAttempts, principal)
	_ = t.auditor.LogAccess("manual_unlock", principal, "", true, nil)
	t.saveStateLocked()
	return true
}

// StartMaintenance launches the background pruning task. Stop it with
// StopMaintenance.
func (t *AttemptTracker) StartMaintenance(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopMaintenance != nil {
		return
	}
	t.stopMaintenance = make(chan struct{})
	t.maintenanceDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Prune()
			case <-stop:
				return
			}
		}
	}(t.stopMaintenance, t.maintenanceDone)
}

// StopMaintenance stops the background pruning task and waits for it to
// exit. Safe to call when maintenance was never started.
func (t *AttemptTracker) StopMaintenance() {
	t.mu.Lock()
	stop, done := t.stopMaintenance, t.maintenanceDone
	t.stopMaintenance = nil
	t.maintenanceDone = nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Prune drops expired lockouts and attempts that have aged out of their
// windows, then persists the compacted state.
func (t *AttemptTracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pruneExpiredLocked() {
		t.saveStateLocked()
	}
}

// pruneExpiredLocked removes stale entries and reports whether anything
// changed. Callers hold t.mu.
func (t *AttemptTracker) pruneExpiredLocked() bool {
	nowSecs := t.nowSeconds()
	changed := false

	for principal, unlockTime := range t.lockedUntil {
		if unlockTime <= nowSecs {
			delete(t.lockedUntil, principal)
			_ = t.auditor.LogAccess("lockout_expired", principal, "", true, nil)
			changed = true
		}
	}

	cutoff := nowSecs - t.lockoutDuration.Seconds()
	for principal, entries := range t.failedAttempts {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp >= cutoff {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(entries) {
			changed = true
		}
		if len(kept) == 0 {
			delete(t.failedAttempts, principal)
		} else {
			t.failedAttempts[principal] = kept
		}
	}

	cutoff = nowSecs - t.rateLimitWindow.Seconds()
	for principal, entries := range t.rateLimit {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp >= cutoff {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(entries) {
			changed = true
		}
		if len(kept) == 0 {
			delete(t.rateLimit, principal)
		} else {
			t.rateLimit[principal] = kept
		}
	}

	return changed
}

func (t *AttemptTracker) nowSeconds() float64 {
	return float64(t.now().UnixNano()) / float64(time.Second)
}

// loadState populates the in-memory maps from the persisted state. Missing
// or unreadable state starts empty.
func (t *AttemptTracker) loadState() {
	exists, err := t.store.TrackerStateExists()
	if err != nil || !exists {
		return
	}

	versioned, err := t.store.LoadTrackerState()
	if err != nil {
		return
	}

	var state trackerState
	if err = json.Unmarshal(versioned.Data, &state); err != nil {
		_ = t.auditor.Log("tracker_state_corrupted", false, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if state.FailedAttempts != nil {
		t.failedAttempts = state.FailedAttempts
	}
	if state.LockedUntil != nil {
		t.lockedUntil = state.LockedUntil
	}
	if state.RateLimit != nil {
		t.rateLimit = state.RateLimit
	}
	t.stateVersion = versioned.Version
}

// saveStateLocked persists the current maps, best effort. Callers hold t.mu.
func (t *AttemptTracker) saveStateLocked() {
	state := trackerState{
		FailedAttempts: t.failedAttempts,
		LockedUntil:    t.lockedUntil,
		RateLimit:      t.rateLimit,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return
	}

	newVersion, err := t.store.SaveTrackerState(data, t.stateVersion)
	if err != nil {
		// A concurrent writer or an I/O failure: retry once unconditionally
		// so the in-memory state wins. Security state must not silently
		// diverge toward the more permissive copy.
		if newVersion, err = t.store.SaveTrackerState(data, ""); err != nil {
			_ = t.auditor.Log("tracker_persist_failed", false, map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
	}
	t.stateVersion = newVersion
}
