package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNop_DoesNotPanic(t *testing.T) {
	var c Collector = OrNop(nil)
	require.IsType(t, Nop{}, c)
	require.NotPanics(t, func() {
		c.RecordAssignment("auto", ResultSuccess)
		c.RecordAnnotatorWrite(ResultFailure)
		c.ObserveAssignmentLatency(0.1)
		c.RecordStoreSwitch("global", ResultSuccess)
		c.SetOpenConnections(-1)
		c.RecordImport(ResultSuccess, 0)
	})
}

func TestPrometheus_Exposition(t *testing.T) {
	p := NewPrometheus("")
	p.RecordAssignment("manual", ResultPartial)
	p.RecordStoreSwitch("user", ResultSuccess)
	p.SetOpenConnections(2)
	p.RecordImport(ResultSuccess, 7)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	for _, want := range []string{
		`annotd_assign_calls_total{mode="manual",result="partial"} 1`,
		`annotd_router_switches_total{result="success",scope="user"} 1`,
		`annotd_router_open_connections 2`,
		`annotd_import_conversations_total 7`,
	} {
		require.True(t, strings.Contains(text, want), "missing %q in:\n%s", want, text)
	}
}
