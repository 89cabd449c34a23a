package deployer

import (
	"fmt"
	"time"
)

type Stage string

const (
	StageStart       Stage = "START"
	StageBuild       Stage = "BUILD"
	StageResolve     Stage = "RESOLVE_IMAGE"
	StageStartDB     Stage = "START_DB"
	StageWaitDB      Stage = "WAIT_DB_HEALTHY"
	StageStartApp    Stage = "START_APP_TIER"
	StageWaitApp     Stage = "WAIT_APP_HEALTHY"
	StageBackup      Stage = "BACKUP_DB"
	StageMigrate     Stage = "RUN_MIGRATIONS"
	StageFinalHealth Stage = "FINAL_HEALTH_CHECK"
	StageCleanup     Stage = "CLEANUP"
	StageDone        Stage = "DONE"
	StageFailed      Stage = "FAILED"
)

// Pipeline lists the stages in execution order. BUILD is optional.
var Pipeline = []Stage{
	StageStart,
	StageBuild,
	StageResolve,
	StageStartDB,
	StageWaitDB,
	StageStartApp,
	StageWaitApp,
	StageBackup,
	StageMigrate,
	StageFinalHealth,
	StageCleanup,
	StageDone,
}

func (s Stage) index() int {
	for i, stage := range Pipeline {
		if stage == s {
			return i
		}
	}
	return -1
}

// After reports whether s comes at or after other in the pipeline.
func (s Stage) After(other Stage) bool {
	i, j := s.index(), other.index()
	return i >= 0 && j >= 0 && i >= j
}

// IsTerminal reports whether no further transition is possible from the stage.
func IsTerminal(s Stage) bool {
	return s == StageDone || s == StageFailed
}

func isAllowedTransition(from, to Stage) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StageFailed {
		return true
	}
	i := from.index()
	if i < 0 || i+1 >= len(Pipeline) {
		return false
	}
	if Pipeline[i+1] == to {
		return true
	}
	return from == StageStart && to == StageResolve
}

type Transition struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine tracks the current stage of a run and rejects out-of-order transitions.
type Machine struct {
	current Stage
	history []Transition
	now     func() time.Time
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		current: StageStart,
		now:     now,
	}
}

func (m *Machine) Current() Stage {
	return m.current
}

func (m *Machine) History() []Transition {
	return append([]Transition(nil), m.history...)
}

func (m *Machine) Transition(to Stage) error {
	if !isAllowedTransition(m.current, to) {
		return fmt.Errorf("disallowed stage transition: %s -> %s", m.current, to)
	}
	m.history = append(m.history, Transition{From: m.current, To: to, At: m.now()})
	m.current = to
	return nil
}
