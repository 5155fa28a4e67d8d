// Package metrics records assignment, routing and import activity.
package metrics

// Collector is implemented by Nop and Prometheus. Components take a
// Collector and default to Nop when none is supplied.
type Collector interface {
	// RecordAssignment counts one assignment call by mode (manual, auto)
	// and outcome (success, partial, failure).
	RecordAssignment(mode, result string)
	// RecordAnnotatorWrite counts one per-annotator persistence write.
	RecordAnnotatorWrite(result string)
	ObserveAssignmentLatency(seconds float64)

	// RecordStoreSwitch counts switches by scope (global, user) and result.
	RecordStoreSwitch(scope, result string)
	// SetOpenConnections reports how many backing-store handles are open.
	SetOpenConnections(n int)

	// RecordImport counts import jobs by result and the conversations they wrote.
	RecordImport(result string, conversations int)
}

// Result labels shared by callers.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
)
