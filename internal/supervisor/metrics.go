package supervisor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-captions/supervisor"

// metrics holds the supervision instruments. Unset instruments are skipped
// so a failed registration never affects supervision.
type metrics struct {
	sessions     metric.Int64Counter
	transcripts  metric.Int64Counter
	restarts     metric.Int64Counter
	escalations  metric.Int64Counter
	threadDeaths metric.Int64Counter
}

func newMetrics(meter metric.Meter, state *State) (*metrics, error) {
	m := &metrics{}
	if meter == nil {
		meter = otel.Meter(instrumentation)
	}
	var err error
	if m.sessions, err = meter.Int64Counter("captions.sessions.started", metric.WithDescription("Transcription sessions started")); err != nil {
		return m, err
	}
	if m.transcripts, err = meter.Int64Counter("captions.transcripts", metric.WithDescription("Transcript fragments emitted")); err != nil {
		return m, err
	}
	if m.restarts, err = meter.Int64Counter("captions.restarts", metric.WithDescription("Automatic session restarts scheduled")); err != nil {
		return m, err
	}
	if m.escalations, err = meter.Int64Counter("captions.escalations", metric.WithDescription("Online to offline escalations")); err != nil {
		return m, err
	}
	if m.threadDeaths, err = meter.Int64Counter("captions.thread_deaths", metric.WithDescription("Sessions that ended without being stopped")); err != nil {
		return m, err
	}

	generation, err := meter.Int64ObservableGauge("captions.generation", metric.WithDescription("Current session generation"))
	if err != nil {
		return m, err
	}
	restartCount, err := meter.Int64ObservableGauge("captions.restart_count", metric.WithDescription("Restarts used from the current budget"))
	if err != nil {
		return m, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap := state.Snapshot()
		obs.ObserveInt64(generation, int64(snap.Generation))
		obs.ObserveInt64(restartCount, int64(snap.RestartCount))
		return nil
	}, generation, restartCount)
	return m, err
}

func (m *metrics) sessionStarted(ctx context.Context, mode, provider string) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("provider", provider)))
	}
}

func (m *metrics) transcript(ctx context.Context, provider string) {
	if m.transcripts != nil {
		m.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

func (m *metrics) restart(ctx context.Context, reason string) {
	if m.restarts != nil {
		m.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *metrics) escalation(ctx context.Context) {
	if m.escalations != nil {
		m.escalations.Add(ctx, 1)
	}
}

func (m *metrics) threadDeath(ctx context.Context, mode string) {
	if m.threadDeaths != nil {
		m.threadDeaths.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	}
}
