package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestTimerStartsAtCreation(t *testing.T) {
	timer := NewTimer()
	if timer == nil {
		t.Fatal("NewTimer returned nil")
	}
	if timer.start.IsZero() {
		t.Error("timer start time is zero")
	}
	if time.Since(timer.start) > time.Second {
		t.Error("timer start time is not recent")
	}
}

func TestTimerDurationTracksElapsedTime(t *testing.T) {
	cases := []struct {
		name  string
		sleep time.Duration
	}{
		{"short", 10 * time.Millisecond},
		{"longer", 50 * time.Millisecond},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			timer := NewTimer()
			time.Sleep(c.sleep)
			d := timer.Duration()

			if d < c.sleep {
				t.Errorf("Duration() = %v, want >= %v", d, c.sleep)
			}
			if d > 2*c.sleep+20*time.Millisecond {
				t.Errorf("Duration() = %v, want roughly %v", d, c.sleep)
			}
		})
	}
}

func TestTimerDurationWithoutSleepIsSubMillisecond(t *testing.T) {
	timer := NewTimer()
	d := timer.Duration()

	if d < 0 {
		t.Errorf("Duration() = %v, want >= 0", d)
	}
	if d > time.Millisecond {
		t.Errorf("Duration() = %v, want < 1ms for an immediate call", d)
	}
}

func TestTimerDurationIsMonotonic(t *testing.T) {
	timer := NewTimer()

	var last time.Duration
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		d := timer.Duration()
		if d <= last {
			t.Errorf("iteration %d: Duration() not increasing: last=%v current=%v", i, last, d)
		}
		last = d
	}
}

func TestTimerObserveDurationRecordsToHistogram(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "control_test_duration_seconds",
		Help:    "scratch histogram for timer tests",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	timer.ObserveDuration(histogram)

	if timer.Duration() == 0 {
		t.Error("ObserveDuration left a zero recorded duration")
	}

	var m dto.Metric
	if err := histogram.Write(&m); err != nil {
		t.Fatalf("reading histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("histogram sample count = %d, want 1", got)
	}
}

func TestTimerObserveDurationVecRecordsByLabel(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "control_test_duration_vec_seconds",
			Help:    "scratch histogram vec for timer tests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	timer.ObserveDurationVec(vec, "control")

	if timer.Duration() == 0 {
		t.Error("ObserveDurationVec left a zero recorded duration")
	}

	var m dto.Metric
	if err := vec.WithLabelValues("control").(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("reading histogram for label control: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("histogram sample count for label control = %d, want 1", got)
	}
}

func TestIndependentTimersDoNotShareState(t *testing.T) {
	first := NewTimer()
	time.Sleep(30 * time.Millisecond)
	second := NewTimer()
	time.Sleep(30 * time.Millisecond)

	d1, d2 := first.Duration(), second.Duration()
	if d1 <= d2 {
		t.Errorf("earlier timer should read longer: first=%v second=%v", d1, d2)
	}
	if d1 == 0 || d2 == 0 {
		t.Error("both timers should report non-zero durations")
	}
}
