// scheduler.go - Lernraten-Schedule
//
// Dieses Modul enthaelt:
// - CosineWarmupRestarts: linearer Warmup von min_lr auf max_lr, danach
//   Cosinus-Abfall zurueck auf min_lr; endet der Zyklus, beginnt er von
//   vorn
// - SchedulerState: serialisierbare Position im Schedule
//
// Ein Trainingslauf spannt einen einzigen Zyklus ueber epochs*ipe
// Schritte mit n_ramp*ipe Warmup-Schritten auf; Restarts greifen nur,
// wenn mehr Schritte ausgefuehrt werden als der Zyklus lang ist.
package train

import (
	"fmt"
	"math"
)

// CosineWarmupRestarts anneals the learning rate over a fixed-length
// cycle. The first warmupSteps ramp linearly from minLR to maxLR, the
// remainder of the cycle decays along a half cosine back towards minLR.
type CosineWarmupRestarts struct {
	maxLR       float32
	minLR       float32
	cycleSteps  int
	warmupSteps int

	cycle       int
	stepInCycle int
}

// NewCosineWarmupRestarts returns a schedule positioned at step zero,
// where LR reports minLR when a warmup exists.
func NewCosineWarmupRestarts(maxLR, minLR float32, cycleSteps, warmupSteps int) (*CosineWarmupRestarts, error) {
	if cycleSteps < 1 {
		return nil, fmt.Errorf("scheduler: cycle length is %d, want at least 1", cycleSteps)
	}
	if warmupSteps < 0 || warmupSteps >= cycleSteps {
		return nil, fmt.Errorf("scheduler: warmup of %d steps must be shorter than the cycle of %d", warmupSteps, cycleSteps)
	}
	if minLR > maxLR {
		return nil, fmt.Errorf("scheduler: min_lr %g exceeds max_lr %g", minLR, maxLR)
	}
	return &CosineWarmupRestarts{
		maxLR:       maxLR,
		minLR:       minLR,
		cycleSteps:  cycleSteps,
		warmupSteps: warmupSteps,
	}, nil
}

// LR returns the learning rate for the current step.
func (s *CosineWarmupRestarts) LR() float32 {
	t := s.stepInCycle
	if t < s.warmupSteps {
		frac := float64(t) / float64(s.warmupSteps)
		return s.minLR + float32(float64(s.maxLR-s.minLR)*frac)
	}
	span := float64(s.cycleSteps - s.warmupSteps)
	cos := math.Cos(math.Pi * float64(t-s.warmupSteps) / span)
	return s.minLR + float32(float64(s.maxLR-s.minLR)*(1+cos)/2)
}

// Step advances the schedule by one gradient step.
func (s *CosineWarmupRestarts) Step() {
	s.stepInCycle++
	if s.stepInCycle >= s.cycleSteps {
		s.stepInCycle = 0
		s.cycle++
	}
}

// GlobalStep returns the total number of Step calls so far.
func (s *CosineWarmupRestarts) GlobalStep() int {
	return s.cycle*s.cycleSteps + s.stepInCycle
}

// SchedulerState is the serialized schedule position.
type SchedulerState struct {
	MaxLR       float32 `json:"max_lr"`
	MinLR       float32 `json:"min_lr"`
	CycleSteps  int     `json:"cycle_steps"`
	WarmupSteps int     `json:"warmup_steps"`
	Cycle       int     `json:"cycle"`
	StepInCycle int     `json:"step_in_cycle"`
}

// State captures the schedule for checkpointing.
func (s *CosineWarmupRestarts) State() SchedulerState {
	return SchedulerState{
		MaxLR:       s.maxLR,
		MinLR:       s.minLR,
		CycleSteps:  s.cycleSteps,
		WarmupSteps: s.warmupSteps,
		Cycle:       s.cycle,
		StepInCycle: s.stepInCycle,
	}
}

// RestoreScheduler rebuilds a schedule at the serialized position.
func RestoreScheduler(st SchedulerState) (*CosineWarmupRestarts, error) {
	s, err := NewCosineWarmupRestarts(st.MaxLR, st.MinLR, st.CycleSteps, st.WarmupSteps)
	if err != nil {
		return nil, err
	}
	if st.StepInCycle < 0 || st.StepInCycle >= st.CycleSteps || st.Cycle < 0 {
		return nil, fmt.Errorf("scheduler state: step %d and cycle %d are outside a cycle of %d", st.StepInCycle, st.Cycle, st.CycleSteps)
	}
	s.cycle = st.Cycle
	s.stepInCycle = st.StepInCycle
	return s, nil
}
