// ABOUTME: Agent health states reported by the session manager

package agent

// Health is the coarse state of one agent session.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// Serving reports whether the agent should receive new requests.
func (h Health) Serving() bool {
	return h == HealthHealthy || h == HealthUnknown
}
