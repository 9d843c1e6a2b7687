package infra

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

const (
	metricCaptured = "crashmon_reports_captured_total"
	metricDelivery = "crashmon_delivery_outcomes_total"
	metricTriage   = "crashmon_triage_deleted_total"
)

// PrometheusMetrics implements domain.MetricsRecorder with client_golang
// counters on a private registry. The sending process is short-lived, so the
// registry is persisted to a textfile between runs instead of being scraped.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	captured *prometheus.CounterVec
	delivery *prometheus.CounterVec
	triage   *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the pipeline counters.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricCaptured,
			Help: "Reports captured, by initial partition.",
		}, []string{"state"}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricDelivery,
			Help: "Per-record delivery outcomes.",
		}, []string{"outcome"}),
		triage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricTriage,
			Help: "Reports deleted by startup triage, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.captured, m.delivery, m.triage)
	return m
}

// Registry exposes the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) ReportCaptured(state domain.ApprovalState) {
	m.captured.WithLabelValues(string(state)).Inc()
}

func (m *PrometheusMetrics) DeliveryOutcome(outcome domain.DeliveryState) {
	m.delivery.WithLabelValues(string(outcome)).Inc()
}

func (m *PrometheusMetrics) TriageDeleted(reason string, n int) {
	if n <= 0 {
		return
	}
	m.triage.WithLabelValues(reason).Add(float64(n))
}

// WriteTextfile atomically writes the registry in the Prometheus text format.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if err := atomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Restore adds the counters found in a previous textfile so totals carry
// across sender processes. A missing file is not an error.
func (m *PrometheusMetrics) Restore(path string) error {
	families, err := ReadTextfile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	vecs := map[string]struct {
		vec   *prometheus.CounterVec
		label string
	}{
		metricCaptured: {m.captured, "state"},
		metricDelivery: {m.delivery, "outcome"},
		metricTriage:   {m.triage, "reason"},
	}
	for name, mf := range families {
		target, ok := vecs[name]
		if !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			value := labelValue(metric, target.label)
			if value == "" {
				continue
			}
			target.vec.WithLabelValues(value).Add(metric.GetCounter().GetValue())
		}
	}
	return nil
}

// ReadTextfile parses a metrics textfile written by WriteTextfile.
func ReadTextfile(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics textfile: %w", err)
	}
	return families, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Ensure PrometheusMetrics implements domain.MetricsRecorder.
var _ domain.MetricsRecorder = (*PrometheusMetrics)(nil)
