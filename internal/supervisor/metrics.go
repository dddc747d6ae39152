package supervisor

// Metrics receives lifecycle counts from a Supervisor.
type Metrics interface {
	WorkerStarted()
	SpawnFailed()
	WorkerExited(code int)
	EventPublished(kind string)
	SubscribersChanged(n int)
	SubscriberLagged()
}

type nopMetrics struct{}

func (nopMetrics) WorkerStarted() {}

func (nopMetrics) SpawnFailed() {}

func (nopMetrics) WorkerExited(int) {}

func (nopMetrics) EventPublished(string) {}

func (nopMetrics) SubscribersChanged(int) {}

func (nopMetrics) SubscriberLagged() {}
