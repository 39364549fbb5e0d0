package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Panmoni/yapbay-sub000/core/events"
)

func TestInstructionMetrics(t *testing.T) {
	m := Instructions()
	require.Same(t, m, Instructions())

	m.Observe("fund", "", 5*time.Millisecond)
	m.Observe("fund", "insufficient_funds", time.Millisecond)
	m.Observe("", "", time.Millisecond)
	m.RecordThrottle("release", "")

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("fund", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("fund", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("fund", "insufficient_funds")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unknown", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.throttles.WithLabelValues("release", "unspecified")))

	var nilMetrics *InstructionMetrics
	nilMetrics.Observe("fund", "", 0)
	nilMetrics.RecordThrottle("fund", "rate_limit")
}

func TestCountingEmitter(t *testing.T) {
	log := events.NewLog(8)
	emitter := CountingEmitter{Next: log}
	emitter.Emit(events.EscrowCancelled{EscrowID: 1})
	emitter.Emit(events.EscrowCancelled{EscrowID: 2})
	emitter.Emit(nil)
	CountingEmitter{}.Emit(events.EscrowCreated{EscrowID: 3})

	require.Equal(t, uint64(2), log.Sequence())
	require.Equal(t, 2.0, testutil.ToFloat64(Events().emitted.WithLabelValues(events.TypeEscrowCancelled)))
	require.Equal(t, 1.0, testutil.ToFloat64(Events().emitted.WithLabelValues(events.TypeEscrowCreated)))
}
