package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestWebhookMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)

	m.IncProcessed("product.created")
	m.IncProcessed("product.created")
	m.IncSkipped("product.created")
	m.IncFailed("price.updated")
	m.IncRejected()
	m.ObserveDuration("product.created", 50*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	counts := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			for _, label := range metric.GetLabel() {
				key += "/" + label.GetValue()
			}
			if metric.GetCounter() != nil {
				counts[key] = metric.GetCounter().GetValue()
			}
		}
	}

	if counts["webhook_events_processed/product.created"] != 2 {
		t.Fatalf("processed count = %v, want 2", counts["webhook_events_processed/product.created"])
	}
	if counts["webhook_events_skipped/product.created"] != 1 {
		t.Fatalf("skipped count = %v, want 1", counts["webhook_events_skipped/product.created"])
	}
	if counts["webhook_events_failed/price.updated"] != 1 {
		t.Fatalf("failed count = %v, want 1", counts["webhook_events_failed/price.updated"])
	}
	if counts["webhook_signature_rejections"] != 1 {
		t.Fatalf("rejected count = %v, want 1", counts["webhook_signature_rejections"])
	}

	var hist *dto.Histogram
	for _, fam := range families {
		if fam.GetName() == "webhook_handler_duration_seconds" {
			hist = fam.GetMetric()[0].GetHistogram()
		}
	}
	if hist == nil || hist.GetSampleCount() != 1 {
		t.Fatalf("expected one duration sample, got %+v", hist)
	}
}

func TestWebhookMetricsNilSafe(t *testing.T) {
	var m *WebhookMetrics
	m.IncProcessed("x")
	m.IncSkipped("x")
	m.IncFailed("x")
	m.IncRejected()
	m.ObserveDuration("x", time.Second)

	empty := NewWebhookMetrics(nil)
	empty.IncProcessed("x")
	empty.IncRejected()
}
