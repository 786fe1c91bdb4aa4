package transport

// Metrics receives transport events. Implementations must be thread-safe.
type Metrics interface {
	DialAttempt(stage string, ok bool)
	ConnOpened(relayed bool)
	ConnClosed(relayed bool)
	CircuitOpened()
	CircuitClosed()
}

// NoopMetrics is the default.
type NoopMetrics struct{}

func (NoopMetrics) DialAttempt(string, bool) {}
func (NoopMetrics) ConnOpened(bool)          {}
func (NoopMetrics) ConnClosed(bool)          {}
func (NoopMetrics) CircuitOpened()           {}
func (NoopMetrics) CircuitClosed()           {}
