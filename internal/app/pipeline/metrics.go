package pipeline

import "github.com/famplan/organizer/internal/platform/metrics"

var (
	parsesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pipeline_parses_total",
		Help: "Parse submissions by input kind and result.",
	}, []string{"kind", "result"})

	eventsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pipeline_events_total",
		Help: "Event creation attempts by status.",
	}, []string{"status"})

	batchesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pipeline_batches_total",
		Help: "Batch commits by aggregate outcome.",
	}, []string{"outcome"})

	sideEffectFailures = metrics.NewCounterVec(metrics.Opts{
		Name: "pipeline_side_effect_failures_total",
		Help: "Best-effort side effect failures by effect.",
	}, []string{"effect"})
)

func init() {
	metrics.Default.MustRegister(parsesTotal, eventsTotal, batchesTotal, sideEffectFailures)
}
