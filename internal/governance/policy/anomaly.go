package policy

import (
	"sync"
	"time"

	"conservatory.io/cadenza/internal/config"
)

// ActionKind classifies a recorded user action for the heuristics.
type ActionKind string

const (
	ActionDeletion         ActionKind = "deletion"
	ActionAuthFailure      ActionKind = "auth_failure"
	ActionPermissionDenied ActionKind = "permission_denied"
)

// RecordedAction is one entry in a user's recent activity window.
type RecordedAction struct {
	Kind ActionKind
	At   time.Time
	// Bulk marks bulk or cascade activity for the off-hours heuristic.
	Bulk bool
}

// Step is the graded response to an anomaly score.
type Step string

const (
	StepMonitor  Step = "monitor"
	StepWarn     Step = "warn"
	StepRestrict Step = "restrict"
	StepLock     Step = "lock"
)

// AnomalyReport is the heuristic verdict over a user's recent activity.
type AnomalyReport struct {
	UserID         string    `json:"userId"`
	Score          int       `json:"score"`
	Patterns       []string  `json:"patterns"`
	Recommendation Step      `json:"recommendation"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// AnomalyDetector scores recent activity with weighted pattern heuristics
// and remembers lock recommendations for the configured duration.
type AnomalyDetector struct {
	cfg config.AnomalyConfig
	now func() time.Time

	mu      sync.Mutex
	recent  map[string][]RecordedAction
	lockedT map[string]time.Time
}

// NewAnomalyDetector creates a detector with the given tuning.
func NewAnomalyDetector(cfg config.AnomalyConfig) *AnomalyDetector {
	return &AnomalyDetector{
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		recent:  make(map[string][]RecordedAction),
		lockedT: make(map[string]time.Time),
	}
}

// Record appends an action to the user's activity window. Entries older
// than the widest heuristic window are dropped.
func (d *AnomalyDetector) Record(userID string, action RecordedAction) {
	if action.At.IsZero() {
		action.At = d.now()
	}
	horizon := d.now().Add(-d.widestWindow())

	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.recent[userID][:0]
	for _, a := range d.recent[userID] {
		if a.At.After(horizon) {
			kept = append(kept, a)
		}
	}
	d.recent[userID] = append(kept, action)
}

// Recent returns a copy of the user's retained activity window.
func (d *AnomalyDetector) Recent(userID string) []RecordedAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RecordedAction, len(d.recent[userID]))
	copy(out, d.recent[userID])
	return out
}

// LockedUntil returns the live lock expiry for a user, if any.
func (d *AnomalyDetector) LockedUntil(userID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.lockedT[userID]
	if !ok || !until.After(d.now()) {
		delete(d.lockedT, userID)
		return time.Time{}, false
	}
	return until, true
}

// Evaluate scores the given actions. A lock recommendation is remembered
// so subsequent permission checks refuse the user until it expires.
func (d *AnomalyDetector) Evaluate(userID string, actions []RecordedAction) *AnomalyReport {
	now := d.now()
	report := &AnomalyReport{UserID: userID, EvaluatedAt: now}

	var (
		burstDeletions int
		authFailures   int
		denials        int
		offHoursBulk   int
	)
	burstHorizon := now.Add(-d.cfg.BurstWindow)
	for _, a := range actions {
		switch a.Kind {
		case ActionDeletion:
			if a.At.After(burstHorizon) {
				burstDeletions++
			}
			hour := a.At.Local().Hour()
			if a.Bulk && (hour < d.cfg.WorkHoursStart || hour >= d.cfg.WorkHoursEnd) {
				offHoursBulk++
			}
		case ActionAuthFailure:
			authFailures++
		case ActionPermissionDenied:
			denials++
		}
	}

	if burstDeletions >= d.cfg.BurstCount {
		report.Score += d.cfg.WeightDeletionBurst
		report.Patterns = append(report.Patterns, "deletion_burst")
	}
	if authFailures >= d.cfg.AuthFailureCount {
		report.Score += d.cfg.WeightAuthFailures
		report.Patterns = append(report.Patterns, "repeated_auth_failures")
	}
	if denials >= d.cfg.DenialCount {
		report.Score += d.cfg.WeightPermissionDenied
		report.Patterns = append(report.Patterns, "repeated_permission_denials")
	}
	if offHoursBulk > 0 {
		report.Score += d.cfg.WeightOffHoursBulk
		report.Patterns = append(report.Patterns, "off_hours_bulk_activity")
	}

	switch {
	case report.Score >= d.cfg.LockScore:
		report.Recommendation = StepLock
	case report.Score >= d.cfg.RestrictScore:
		report.Recommendation = StepRestrict
	case report.Score >= d.cfg.WarnScore:
		report.Recommendation = StepWarn
	default:
		report.Recommendation = StepMonitor
	}

	if report.Recommendation == StepLock {
		d.mu.Lock()
		d.lockedT[userID] = now.Add(d.cfg.LockDuration)
		d.mu.Unlock()
	}
	return report
}

func (d *AnomalyDetector) widestWindow() time.Duration {
	w := d.cfg.BurstWindow
	if d.cfg.LockDuration > w {
		w = d.cfg.LockDuration
	}
	if w <= 0 {
		w = time.Hour
	}
	return w
}
