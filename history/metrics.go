package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// patchesAppended counts patches written, per model.
	patchesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchhistory_patches_appended_total",
		Help: "Total patches appended by model",
	}, []string{"model"})

	// savesSkipped counts saves that changed nothing and produced no patch.
	savesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchhistory_saves_skipped_total",
		Help: "Total saves without a structural change by model",
	}, []string{"model"})

	diffOps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "patchhistory_diff_ops",
		Help:    "Number of change operations per computed diff",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	// rollbacks counts rollback requests by outcome: ok, unknown_patch, error.
	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchhistory_rollbacks_total",
		Help: "Total rollbacks by model and result",
	}, []string{"model", "result"})

	cascadeRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchhistory_cascade_removals_total",
		Help: "Total patch histories removed along with their document",
	}, []string{"model"})
)
