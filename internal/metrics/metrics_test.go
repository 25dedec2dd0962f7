package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeProvider struct{ n int }

func (f fakeProvider) ActiveCount() int { return f.n }

func TestMustRegisterAndCollect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	m.MustRegister(reg, fakeProvider{n: 3})

	m.DialogsStarted.Inc()
	m.ObserveTerminated(200)
	m.RequestsSent.WithLabelValues("BYE").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
		if f.GetName() == "sipuad_active_dialogs" {
			if got := f.Metric[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("sipuad_active_dialogs = %v, want 3", got)
			}
		}
	}

	for _, name := range []string{
		"sipuad_dialogs_started_total",
		"sipuad_dialogs_terminated_total",
		"sipuad_requests_sent_total",
		"sipuad_active_dialogs",
	} {
		if !found[name] {
			t.Errorf("metric family %q not registered", name)
		}
	}
}

func TestObserveTerminatedLabelsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	m.MustRegister(reg, fakeProvider{n: 0})

	m.ObserveTerminated(487)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "sipuad_dialogs_terminated_total" {
			continue
		}
		var metric *dto.Metric
		for _, mm := range f.Metric {
			for _, lbl := range mm.GetLabel() {
				if lbl.GetName() == "status" && lbl.GetValue() == "487" {
					metric = mm
				}
			}
		}
		if metric == nil {
			t.Fatalf("no metric with status=487 label")
		}
		if got := metric.GetCounter().GetValue(); got != 1 {
			t.Errorf("counter value = %v, want 1", got)
		}
	}
}
