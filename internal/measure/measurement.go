package measure

// Measurement accumulates the cost of a routine or call tree node.
// TotalTime is only added once per outermost activation, so it is never
// smaller than SelfTime.
type Measurement struct {
	TotalTime float64 `json:"total_time"`
	SelfTime  float64 `json:"self_time"`
	WaitTime  float64 `json:"wait_time"`
	CallCount uint64  `json:"call_count"`
}

// Add folds other into m.
func (m *Measurement) Add(other Measurement) {
	m.TotalTime += other.TotalTime
	m.SelfTime += other.SelfTime
	m.WaitTime += other.WaitTime
	m.CallCount += other.CallCount
}

// ChildrenTime is the part of the total time spent in callees.
func (m Measurement) ChildrenTime() float64 {
	t := m.TotalTime - m.SelfTime - m.WaitTime
	if t < 0 {
		return 0
	}
	return t
}
