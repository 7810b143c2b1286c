package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewPrivateRegistries(t *testing.T) {
	// Two nodes in one process must not collide on registration.
	a := New(nil)
	b := New(nil)
	a.AuthFailures.Inc()
	b.EnvelopesDropped.WithLabelValues("malformed").Inc()

	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "meshcore_auth_failures_total" {
			found = mf.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Fatalf("auth failure counter not gathered")
	}
}

func TestNewOnSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Term.Set(3)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metrics")
	}
}
