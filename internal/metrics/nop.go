package metrics

// Nop discards every metric.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) RecordAssignment(_, _ string)       {}
func (Nop) RecordAnnotatorWrite(_ string)      {}
func (Nop) ObserveAssignmentLatency(_ float64) {}
func (Nop) RecordStoreSwitch(_, _ string)      {}
func (Nop) SetOpenConnections(_ int)           {}
func (Nop) RecordImport(_ string, _ int)       {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
