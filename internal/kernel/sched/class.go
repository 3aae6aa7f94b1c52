package sched

import (
	"fmt"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Kind discriminates the closed set of scheduling classes.
type Kind uint8

const (
	KindDeadline Kind = iota
	KindFixedPriority
	KindBestEffort
)

func (k Kind) String() string {
	switch k {
	case KindDeadline:
		return "deadline"
	case KindFixedPriority:
		return "fixed-priority"
	case KindBestEffort:
		return "best-effort"
	default:
		return "unknown"
	}
}

// PriorityLevels is the number of fixed-priority queues; 0 is the highest.
const PriorityLevels = 4

// Class is the sealed scheduling class variant. The only implementations
// are Deadline, FixedPriority, and BestEffort; the unexported method keeps
// the set closed so class switches stay exhaustive.
type Class interface {
	Kind() Kind
	String() string
	sealedClass()
}

// Deadline schedules by earliest absolute deadline with a CBS budget:
// the thread receives Budget of CPU time each Period and is demoted to
// best-effort for the remainder of the period when it overruns.
type Deadline struct {
	Budget time.Duration
	Period time.Duration
}

func (Deadline) Kind() Kind   { return KindDeadline }
func (Deadline) sealedClass() {}

func (d Deadline) String() string {
	return fmt.Sprintf("deadline(%v/%v)", d.Budget, d.Period)
}

// Utilization is the bandwidth fraction the thread reserves on its core.
func (d Deadline) Utilization() float64 {
	return float64(d.Budget) / float64(d.Period)
}

// NewDeadline validates a CBS reservation.
func NewDeadline(budget, period time.Duration) (Deadline, error) {
	if period <= 0 || budget <= 0 {
		return Deadline{}, fmt.Errorf("budget and period must be positive: %w", defs.ErrInvalidArgument)
	}
	if budget > period {
		return Deadline{}, fmt.Errorf("budget %v exceeds period %v: %w", budget, period, defs.ErrInvalidArgument)
	}
	return Deadline{Budget: budget, Period: period}, nil
}

// FixedPriority schedules round-robin within a priority level.
type FixedPriority struct {
	Priority uint8 // 0 is highest
}

func (FixedPriority) Kind() Kind   { return KindFixedPriority }
func (FixedPriority) sealedClass() {}

func (f FixedPriority) String() string {
	return fmt.Sprintf("fixed-priority(%d)", f.Priority)
}

// NewFixedPriority validates the priority level.
func NewFixedPriority(priority uint8) (FixedPriority, error) {
	if priority >= PriorityLevels {
		return FixedPriority{}, fmt.Errorf("priority %d outside [0,%d): %w", priority, PriorityLevels, defs.ErrInvalidArgument)
	}
	return FixedPriority{Priority: priority}, nil
}

// BestEffort schedules by weighted virtual runtime.
type BestEffort struct {
	Weight uint32
}

func (BestEffort) Kind() Kind   { return KindBestEffort }
func (BestEffort) sealedClass() {}

func (b BestEffort) String() string {
	return fmt.Sprintf("best-effort(w=%d)", b.Weight)
}

// MaxWeight bounds best-effort weights.
const MaxWeight = 1024

// NewBestEffort validates the fair-share weight; 0 means weight 1.
func NewBestEffort(weight uint32) (BestEffort, error) {
	if weight == 0 {
		weight = 1
	}
	if weight > MaxWeight {
		return BestEffort{}, fmt.Errorf("weight %d exceeds %d: %w", weight, MaxWeight, defs.ErrInvalidArgument)
	}
	return BestEffort{Weight: weight}, nil
}
