package observability

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// AsynqMetricsMiddleware wraps asynq task processing (the working
// binary's broker dispatch loop) with Prometheus counters and a
// histogram, keyed by the task's route (its asynq task type).
func AsynqMetricsMiddleware(m *Metrics) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
			m.DispatchInFlight.Inc()
			defer m.DispatchInFlight.Dec()

			start := time.Now()
			err := next.ProcessTask(ctx, task)
			duration := time.Since(start).Seconds()

			result := "success"
			if err != nil {
				result = "error"
			}

			m.DispatchedTotal.WithLabelValues(task.Type(), result).Inc()
			m.DispatchDuration.WithLabelValues(task.Type()).Observe(duration)

			return err
		})
	}
}
