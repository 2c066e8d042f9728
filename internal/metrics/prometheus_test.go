package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	orchestration "github.com/koscakluka/ema-surgery/core"
)

var _ orchestration.Metrics = (*Metrics)(nil)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if labels[label.GetName()] != label.GetValue() {
					continue metrics
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func TestSessionGaugeFollowsOpenAndClose(t *testing.T) {
	m := NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	if got := counterValue(t, m, "ema_active_sessions", nil); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := counterValue(t, m, "ema_sessions_opened_total", nil); got != 2 {
		t.Fatalf("expected 2 opened sessions, got %v", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m := NewMetrics()

	m.MessageRouted("notetaker")
	m.MessageRouted("chat")
	m.MessageRouted("chat")
	m.AnnotationRecorded(true)
	m.NoteRequested("duplicate")
	m.PlaybackDropped("expired")

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"ema_routed_messages_total", map[string]string{"target": "chat"}, 2},
		{"ema_routed_messages_total", map[string]string{"target": "notetaker"}, 1},
		{"ema_annotation_records_total", map[string]string{"phase_changed": "true"}, 1},
		{"ema_note_requests_total", map[string]string{"result": "duplicate"}, 1},
		{"ema_playback_drops_total", map[string]string{"reason": "expired"}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, m, tt.name, tt.labels); got != tt.want {
			t.Fatalf("%s%v: expected %v, got %v", tt.name, tt.labels, tt.want, got)
		}
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.PostOpGenerated("legacy")

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(recorder.Result().Body)
	if !strings.Contains(string(body), `ema_postop_requests_total{schema="legacy"} 1`) {
		t.Fatalf("expected post-op counter in exposition, got:\n%s", body)
	}
}
