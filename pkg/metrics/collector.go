package metrics

// Collector wraps metrics and provides helper methods with pre-filled labels.
type Collector struct {
	method string
}

// NewCollector creates a new Collector for the given kernel method.
func NewCollector(method string) *Collector {
	return &Collector{method: method}
}

// IncWorkersJoined increments the workers joined counter.
func (c *Collector) IncWorkersJoined() {
	WorkersJoinedTotal.WithLabelValues(c.method).Inc()
}

// IncChunksDispatched increments the chunks dispatched counter.
func (c *Collector) IncChunksDispatched() {
	ChunksDispatchedTotal.WithLabelValues(c.method).Inc()
}

// IncResultsReceived increments the results received counter.
func (c *Collector) IncResultsReceived() {
	ResultsReceivedTotal.WithLabelValues(c.method).Inc()
}

// IncProtocolViolations increments the protocol violations counter.
func (c *Collector) IncProtocolViolations() {
	ProtocolViolationsTotal.WithLabelValues(c.method).Inc()
}

// IncWorkerFailures increments the worker failures counter.
func (c *Collector) IncWorkerFailures() {
	WorkerFailuresTotal.WithLabelValues(c.method).Inc()
}

// IncJobsFinalized increments the jobs finalized counter.
func (c *Collector) IncJobsFinalized() {
	JobsFinalizedTotal.WithLabelValues(c.method).Inc()
}

// SetPendingChunks sets the pending chunks gauge.
func (c *Collector) SetPendingChunks(count int) {
	PendingChunks.WithLabelValues(c.method).Set(float64(count))
}

// SetEstimate sets the estimate gauge.
func (c *Collector) SetEstimate(v float64) {
	Estimate.WithLabelValues(c.method).Set(v)
}

// ObserveJobDuration records a job duration observation.
func (c *Collector) ObserveJobDuration(seconds float64) {
	JobDuration.WithLabelValues(c.method).Observe(seconds)
}
