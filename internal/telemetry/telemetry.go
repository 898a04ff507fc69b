package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// provider is the flush and shutdown half of an SDK provider.
type provider interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

type signal struct {
	name string
	p    provider
}

// Telemetry owns the process's OpenTelemetry providers. A provider that
// cannot be built marks the instance degraded instead of failing startup.
type Telemetry struct {
	cfg *Config

	tracers oteltrace.TracerProvider
	meters  metric.MeterProvider
	logs    log.LoggerProvider
	signals []signal

	mu       sync.Mutex
	stopped  bool
	problems []string
}

// HealthStatus is reported on /health.
type HealthStatus struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Reasons  []string `json:"reasons,omitempty"`
}

// New builds the providers cfg enables and installs them globally. With
// telemetry disabled the global no-op providers stay in place.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	tr := newTransport(cfg)
	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, tr, res); err != nil {
		t.degrade("traces", err)
	} else {
		t.tracers = tp
		t.signals = append(t.signals, signal{"traces", tp})
		otel.SetTracerProvider(tp)
	}
	if cfg.Metrics {
		if mp, err := newMeterProvider(ctx, cfg, tr, res); err != nil {
			t.degrade("metrics", err)
		} else {
			t.meters = mp
			t.signals = append(t.signals, signal{"metrics", mp})
			otel.SetMeterProvider(mp)
		}
	}
	if cfg.Logs {
		if lp, err := newLoggerProvider(ctx, tr, res); err != nil {
			t.degrade("logs", err)
		} else {
			t.logs = lp
			t.signals = append(t.signals, signal{"logs", lp})
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer from the owned provider, falling back to the
// global one.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracers == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracers.Tracer(name, opts...)
}

// Meter returns a meter from the owned provider, falling back to the
// global one.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meters == nil {
		return otel.Meter(name, opts...)
	}
	return t.meters.Meter(name, opts...)
}

// LoggerProvider feeds the zap bridge. It is nil unless log export is on.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logs
}

// ForceFlush exports everything buffered.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, s := range t.signals {
		if err := s.p.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops every provider. The configured timeout applies
// when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownAfter)
		defer cancel()
	}

	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	var errs []error
	for _, s := range t.signals {
		if err := s.p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Health reports whether the providers are running and which failed to
// start.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return HealthStatus{
		Healthy:  !t.stopped,
		Degraded: len(t.problems) > 0,
		Reasons:  append([]string(nil), t.problems...),
	}
}

// IsEnabled reports whether telemetry is on and not shut down.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.cfg == nil || !t.cfg.Enabled {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

func (t *Telemetry) degrade(name string, err error) {
	t.mu.Lock()
	t.problems = append(t.problems, name+": "+err.Error())
	t.mu.Unlock()
}
