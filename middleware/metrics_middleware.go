package middleware

import (
	"context"

	"mini-broker/message"
	"mini-broker/metrics"
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
)

// MetricsMiddleware counts messages by type and outcome.
func MetricsMiddleware(m *metrics.RouterMetrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			reply := next(ctx, req)
			outcome := OutcomeOK
			if reply != nil && reply.Error != "" {
				outcome = OutcomeRejected
			}
			m.Message(req.Type.String(), outcome)
			return reply
		}
	}
}
