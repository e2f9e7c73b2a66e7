// Package flash implements the flash orchestrator and safety gate
// (spec.md §4.5): the seven-layer validator, the backup-before-write
// rule, the erase/write/verify state machine, progress reporting, and
// abort/rollback policy. It is the only layer with control flow; the
// ISO-TP, diagnostic and calibration layers underneath are passive.
package flash

import (
	"fmt"

	"github.com/rs/xid"

	"github.com/openflash/n54ecu/pkg/calibration"
	"github.com/openflash/n54ecu/pkg/uds"
)

// Phase is a FlashSession's position in the state machine (spec.md §3).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseUnlocked
	PhaseProgramming
	PhaseVerifying
	PhaseFinalized
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnected:
		return "connected"
	case PhaseUnlocked:
		return "unlocked"
	case PhaseProgramming:
		return "programming"
	case PhaseVerifying:
		return "verifying"
	case PhaseFinalized:
		return "finalized"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Progress reports (bytes_sent, bytes_total) after each transfer block
// (spec.md §4.5 Phase E).
type Progress struct {
	BytesSent  int
	BytesTotal int
}

// Event is one entry in a FlashSession's strictly-ordered progress stream
// (spec.md §5: "no event is emitted after a terminal event").
type Event struct {
	Phase    Phase
	Progress *Progress
	Detail   string
	Terminal bool
}

// FlashSession is per-attempt state (spec.md §3). It is not safe for
// concurrent use from more than one goroutine driving the orchestrator;
// the client it wraps enforces the same single-outstanding-request rule.
type FlashSession struct {
	ID        string
	Variant   calibration.Variant
	Client    *uds.Client
	Phase     Phase
	BackupRef *Backup
	Events    chan Event

	cancelled bool
}

// NewSession creates a FlashSession bound to an already-constructed
// diagnostic client and variant, ready to be passed to Run.
func NewSession(client *uds.Client, variant calibration.Variant) *FlashSession {
	return &FlashSession{
		ID:      xid.New().String(),
		Variant: variant,
		Client:  client,
		Phase:   PhaseIdle,
		Events:  make(chan Event, 64),
	}
}

// Cancel requests cancellation. It is checked at phase boundaries and
// between transfer blocks; during an active transfer it is deferred until
// the current block completes (spec.md §4.5).
func (s *FlashSession) Cancel() {
	s.cancelled = true
}

func (s *FlashSession) isCancelled() bool {
	return s.cancelled
}

func (s *FlashSession) emit(ev Event) {
	select {
	case s.Events <- ev:
	default:
		// Slow consumer: progress events are best-effort, never block the
		// orchestrator on a full channel.
	}
}

func (s *FlashSession) setPhase(p Phase, detail string) {
	s.Phase = p
	s.emit(Event{Phase: p, Detail: detail, Terminal: p == PhaseFinalized || p == PhaseAborted})
}

func (s *FlashSession) progress(sent, total int) {
	s.emit(Event{Phase: s.Phase, Progress: &Progress{BytesSent: sent, BytesTotal: total}})
}

// abort transitions the session to aborted and returns a formatted error
// describing why.
func (s *FlashSession) abort(reason string) error {
	s.setPhase(PhaseAborted, reason)
	return fmt.Errorf("flash: aborted: %s", reason)
}
