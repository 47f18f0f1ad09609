package tfx

// StepMeter bounds the number of instructions a single evaluation may
// execute. Counted loops multiply the static instruction count, so the meter
// is the hard ceiling on per-frame cost.
//
// A StepMeter is owned by one evaluation and is not safe for concurrent use.
type StepMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// NewStepMeter creates a meter with the given limit, capped at MaxSteps.
// A zero limit selects DefaultSteps.
func NewStepMeter(limit uint64) *StepMeter {
	if limit == 0 {
		limit = DefaultSteps
	}
	if limit > MaxSteps {
		limit = MaxSteps
	}
	return &StepMeter{
		remaining: limit,
		limit:     limit,
	}
}

// NewStepMeterDisabled creates a meter that never runs out (for testing).
func NewStepMeterDisabled() *StepMeter {
	return &StepMeter{
		remaining: MaxSteps,
		limit:     MaxSteps,
		disabled:  true,
	}
}

// Consume takes cost steps from the budget.
// Returns ErrStepBudgetExceeded if insufficient steps remain.
func (m *StepMeter) Consume(cost uint64) error {
	m.consumed += cost
	if m.disabled {
		return nil
	}
	if m.remaining < cost {
		m.remaining = 0
		return ErrStepBudgetExceeded
	}
	m.remaining -= cost
	return nil
}

// Remaining returns the remaining steps.
func (m *StepMeter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the total steps consumed.
func (m *StepMeter) Consumed() uint64 {
	return m.consumed
}

// Limit returns the step limit.
func (m *StepMeter) Limit() uint64 {
	return m.limit
}

// Reset restores the meter to its initial state.
func (m *StepMeter) Reset() {
	m.remaining = m.limit
	m.consumed = 0
}
