package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/milla/pkg/session"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attributes
// include all of want, and whether one was found.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
points:
	for _, dp := range sum.DataPoints {
		for k, v := range want {
			got, ok := dp.Attributes.Value(attribute.Key(k))
			if !ok || got.AsString() != v {
				continue points
			}
		}
		return dp.Value, true
	}
	return 0, false
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a histogram", name)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordStateChange_TracksActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStateChange(ctx, "connecting", "open")
	m.RecordStateChange(ctx, "connecting", "open")
	m.RecordStateChange(ctx, "open", "closing")
	m.RecordStateChange(ctx, "closing", "closed")

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "milla.active_sessions", nil); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got, ok := sumWhere(t, rm, "milla.session.transitions", map[string]string{"from": "connecting", "to": "open"}); !ok || got != 2 {
		t.Errorf("connecting->open = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumWhere(t, rm, "milla.session.transitions", map[string]string{"to": "closed"}); !ok || got != 1 {
		t.Errorf("->closed = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordStateChange_UsesSessionStateNames(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStateChange(ctx, session.StateConnecting.String(), session.StateOpen.String())
	m.RecordStateChange(ctx, session.StateOpen.String(), session.StateFailed.String())

	if got, _ := sumWhere(t, collect(t, reader), "milla.active_sessions", nil); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestRecordHandshake(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHandshake(ctx, 120*time.Millisecond, nil)
	m.RecordHandshake(ctx, 3*time.Second, errors.New("refused"))

	if got := histogramCount(t, collect(t, reader), "milla.handshake.duration"); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, session.DirectionOutbound, "audio")
	m.RecordChunk(ctx, session.DirectionOutbound, "audio")
	m.RecordChunk(ctx, session.DirectionOutbound, "video")
	m.RecordChunk(ctx, session.DirectionInbound, "audio")

	rm := collect(t, reader)
	tests := []struct {
		direction, kind string
		want            int64
	}{
		{session.DirectionOutbound, "audio", 2},
		{session.DirectionOutbound, "video", 1},
		{session.DirectionInbound, "audio", 1},
	}
	for _, tc := range tests {
		got, ok := sumWhere(t, rm, "milla.chunks", map[string]string{"direction": tc.direction, "kind": tc.kind})
		if !ok || got != tc.want {
			t.Errorf("%s/%s = %d (found=%v), want %d", tc.direction, tc.kind, got, ok, tc.want)
		}
	}
}

func TestRecordDropAndDecodeError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDrop(ctx, "video")
	m.RecordDecodeError(ctx)
	m.RecordDecodeError(ctx)

	rm := collect(t, reader)
	if got, ok := sumWhere(t, rm, "milla.outbound.drops", map[string]string{"kind": "video"}); !ok || got != 1 {
		t.Errorf("drops = %d (found=%v), want 1", got, ok)
	}
	if got, _ := sumWhere(t, rm, "milla.decode.errors", nil); got != 2 {
		t.Errorf("decode errors = %d, want 2", got)
	}
}

func TestRecordPlaybackLag(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordPlaybackLag(context.Background(), 400*time.Millisecond)

	if got := histogramCount(t, collect(t, reader), "milla.playback.lag"); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
