package metrics

import "time"

// Recorder receives counters and latencies from paykit components.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names shared by components.
const (
	EventBuild              = "build"
	EventSubmitAttempt      = "submit_attempt"
	EventRetry              = "retry"
	EventPaymentSucceeded   = "payment_succeeded"
	EventPaymentFailed      = "payment_failed"
	EventSubscriptionChange = "subscription_transition"
	EventChargeSucceeded    = "charge_succeeded"
	EventChargeFailed       = "charge_failed"
)

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
