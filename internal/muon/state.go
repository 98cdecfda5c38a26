package muon

import (
	"fmt"
	"sync"

	"github.com/banshee-data/trackfit/internal/monitoring"
)

// BuildState is a state of the combined muon builder.
type BuildState uint8

const (
	StateStartFromSpectrometerLeg BuildState = iota
	StateAssociateCalorimeter
	StateCombinedFit
	StateCheckQuality
	StateIterateOnMomentumChange
	StateAddSystematicErrors
	StateHoleRecovery
	StateErrorReoptimization
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"start_from_spectrometer_leg",
	"associate_calorimeter",
	"combined_fit",
	"check_quality",
	"iterate_on_momentum_change",
	"add_systematic_errors",
	"hole_recovery",
	"error_reoptimization",
	"done",
	"failed",
}

// String implements fmt.Stringer.
func (s BuildState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// DebugCollector receives builder instrumentation. Implementations must be
// safe for concurrent use when the builder is shared between workers.
type DebugCollector interface {
	IsEnabled() bool
	RecordTransition(op string, from, to BuildState, detail string)
	RecordVeto(pass string, err error)
}

// Transition is one recorded state change.
type Transition struct {
	Op     string
	From   BuildState
	To     BuildState
	Detail string
}

// Veto is one rejected pass result.
type Veto struct {
	Pass string
	Err  error
}

// TransitionLog is an in-memory DebugCollector. It starts disabled; every
// Record call is a no-op until SetEnabled(true).
type TransitionLog struct {
	mu          sync.Mutex
	enabled     bool
	transitions []Transition
	vetoes      []Veto
}

// NewTransitionLog creates a disabled collector.
func NewTransitionLog() *TransitionLog {
	return &TransitionLog{}
}

// SetEnabled switches recording on or off.
func (l *TransitionLog) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// IsEnabled implements DebugCollector.
func (l *TransitionLog) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// RecordTransition implements DebugCollector.
func (l *TransitionLog) RecordTransition(op string, from, to BuildState, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.transitions = append(l.transitions, Transition{Op: op, From: from, To: to, Detail: detail})
}

// RecordVeto implements DebugCollector.
func (l *TransitionLog) RecordVeto(pass string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.vetoes = append(l.vetoes, Veto{Pass: pass, Err: err})
}

// Transitions returns a copy of the recorded transitions.
func (l *TransitionLog) Transitions() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.transitions...)
}

// Vetoes returns a copy of the recorded vetoes.
func (l *TransitionLog) Vetoes() []Veto {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Veto(nil), l.vetoes...)
}

// Count returns how many times state s was entered.
func (l *TransitionLog) Count(s BuildState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.transitions {
		if t.To == s {
			n++
		}
	}
	return n
}

// Reset drops everything recorded so far.
func (l *TransitionLog) Reset() {
	l.mu.Lock()
	l.transitions = nil
	l.vetoes = nil
	l.mu.Unlock()
}

// run is the per-call state of one builder operation.
type run struct {
	op    string
	state BuildState
	debug DebugCollector
}

func newRun(op string, start BuildState, debug DebugCollector) *run {
	r := &run{op: op, state: start, debug: debug}
	monitoring.BuilderTransitions.WithLabelValues(start.String()).Inc()
	tracef("%s: start in %s", op, start)
	return r
}

func (r *run) enter(s BuildState, format string, args ...interface{}) {
	detail := fmt.Sprintf(format, args...)
	if r.debug != nil && r.debug.IsEnabled() {
		r.debug.RecordTransition(r.op, r.state, s, detail)
	}
	monitoring.BuilderTransitions.WithLabelValues(s.String()).Inc()
	tracef("%s: %s -> %s %s", r.op, r.state, s, detail)
	r.state = s
}

// fail enters StateFailed and returns err wrapped with the operation name.
func (r *run) fail(err error) error {
	r.enter(StateFailed, "%v", err)
	opsf("%s failed: %v", r.op, err)
	return fmt.Errorf("%s: %w", r.op, err)
}

func (r *run) veto(pass string, err error) {
	if r.debug != nil && r.debug.IsEnabled() {
		r.debug.RecordVeto(pass, err)
	}
	diagf("%s: %s rejected: %v", r.op, pass, err)
}
