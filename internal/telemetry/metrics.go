// Package telemetry exposes postern's OpenTelemetry counters through a Prometheus scrape endpoint.
//
// A nil *Metrics is valid: every Record method is a no-op on it, so components and tests
// that don't care about metrics never have to build one.
package telemetry

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the meter provider and every counter postern records.
type Metrics struct {
	registry      *promclient.Registry
	meterProvider *sdkmetric.MeterProvider

	codesSent       metric.Int64Counter
	codesVerified   metric.Int64Counter
	deliveryOutcome metric.Int64Counter
	smtpAttempts    metric.Int64Counter
	gateRejections  metric.Int64Counter
}

// New builds a MeterProvider backed by a private Prometheus registry.
// Each call gets its own registry, so tests can build as many as they like.
func New(serviceName string) (*Metrics, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	meter := mp.Meter(serviceName)

	m := &Metrics{registry: reg, meterProvider: mp}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.codesSent, "postern.codes.sent", "Verification codes accepted for delivery"},
		{&m.codesVerified, "postern.codes.verified", "Code verification attempts by result"},
		{&m.deliveryOutcome, "postern.delivery.outcomes", "Outbox task outcomes"},
		{&m.smtpAttempts, "postern.smtp.attempts", "SMTP send attempts by provider and result"},
		{&m.gateRejections, "postern.gate.rejections", "Send requests rejected before any write, by reason"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

// CodeSent records one accepted send.
func (m *Metrics) CodeSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.codesSent.Add(ctx, 1)
}

// CodeVerified records one verify/consume attempt. result is e.g. "ok", "wrong_code", "expired".
func (m *Metrics) CodeVerified(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.codesVerified.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// DeliveryOutcome records one outbox task outcome: "sent", "scheduled" or "exhausted".
func (m *Metrics) DeliveryOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.deliveryOutcome.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SMTPAttempt records one transport call against a provider.
func (m *Metrics) SMTPAttempt(ctx context.Context, provider string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.smtpAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

// GateRejected records a send rejected by a gate (ban, rate limit, domain, captcha, capacity).
func (m *Metrics) GateRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.gateRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
