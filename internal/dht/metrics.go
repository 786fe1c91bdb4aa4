package dht

import "time"

// Metrics is intentionally tiny.
// Implementations must be thread-safe.
type Metrics interface {
	IncRPC(kind string, ok bool)
	ObserveLookup(kind string, queries int, duration time.Duration, ok bool)
	SetRoutingTableSize(n int)
	SetBucketOccupancy(bucket int, n int)
}

// NoopMetrics is the default.
type NoopMetrics struct{}

func (NoopMetrics) IncRPC(kind string, ok bool)                                             {}
func (NoopMetrics) ObserveLookup(kind string, queries int, duration time.Duration, ok bool) {}
func (NoopMetrics) SetRoutingTableSize(n int)                                               {}
func (NoopMetrics) SetBucketOccupancy(bucket int, n int)                                    {}

// MultiMetrics fans out to several sinks.
type MultiMetrics []Metrics

func (m MultiMetrics) IncRPC(kind string, ok bool) {
	for _, x := range m {
		x.IncRPC(kind, ok)
	}
}

func (m MultiMetrics) ObserveLookup(kind string, queries int, duration time.Duration, ok bool) {
	for _, x := range m {
		x.ObserveLookup(kind, queries, duration, ok)
	}
}

func (m MultiMetrics) SetRoutingTableSize(n int) {
	for _, x := range m {
		x.SetRoutingTableSize(n)
	}
}

func (m MultiMetrics) SetBucketOccupancy(bucket int, n int) {
	for _, x := range m {
		x.SetBucketOccupancy(bucket, n)
	}
}
