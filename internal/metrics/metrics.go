// Package metrics exports node counters to Prometheus. One Collector
// serves as the dht, transport and fabric metrics sink.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/fabric"
	"six7-fabric/internal/transport"
)

const namespace = "six7"

type Collector struct {
	reg *prometheus.Registry

	dhtRPC      *prometheus.CounterVec
	lookupDur   *prometheus.HistogramVec
	lookupQs    *prometheus.HistogramVec
	routingSize prometheus.Gauge
	bucketOcc   *prometheus.GaugeVec

	dials      *prometheus.CounterVec
	conns      *prometheus.GaugeVec
	circuits   prometheus.Gauge
	peers      prometheus.Gauge
	directSent *prometheus.CounterVec
	directRecv *prometheus.CounterVec
	queueDrops prometheus.Counter
	presence   *prometheus.CounterVec
}

// New builds a Collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		reg: reg,
		dhtRPC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dht", Name: "rpc_total",
			Help: "Outbound DHT requests by kind and result.",
		}, []string{"kind", "result"}),
		lookupDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dht", Name: "lookup_duration_seconds",
			Help:    "Iterative lookup latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind", "result"}),
		lookupQs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dht", Name: "lookup_queries",
			Help:    "Peers queried per iterative lookup.",
			Buckets: prometheus.LinearBuckets(0, 5, 12),
		}, []string{"kind"}),
		routingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dht", Name: "routing_table_size",
			Help: "Peers in the routing table.",
		}),
		bucketOcc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dht", Name: "bucket_occupancy",
			Help: "Peers per k-bucket.",
		}, []string{"bucket"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "dial_attempts_total",
			Help: "Dial attempts by stage and result.",
		}, []string{"stage", "result"}),
		conns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connections",
			Help: "Open secure connections.",
		}, []string{"path"}),
		circuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "relay_circuits",
			Help: "Relay circuits served by this node.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected_peers",
			Help: "Peers with a live connection.",
		}),
		directSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "direct", Name: "sent_total",
			Help: "Direct sends by outcome.",
		}, []string{"outcome"}),
		directRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "direct", Name: "received_total",
			Help: "Inbound direct messages by disposition.",
		}, []string{"result"}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "queue_drops_total",
			Help: "Gossip RPCs dropped from full peer queues.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "transitions_total",
			Help: "Liveness transitions by new state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		c.dhtRPC, c.lookupDur, c.lookupQs, c.routingSize, c.bucketOcc,
		c.dials, c.conns, c.circuits, c.peers,
		c.directSent, c.directRecv, c.queueDrops, c.presence,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func path(relayed bool) string {
	if relayed {
		return "relayed"
	}
	return "direct"
}

func (c *Collector) IncRPC(kind string, ok bool) { c.dhtRPC.WithLabelValues(kind, result(ok)).Inc() }

func (c *Collector) ObserveLookup(kind string, queries int, d time.Duration, ok bool) {
	c.lookupDur.WithLabelValues(kind, result(ok)).Observe(d.Seconds())
	c.lookupQs.WithLabelValues(kind).Observe(float64(queries))
}

func (c *Collector) SetRoutingTableSize(n int) { c.routingSize.Set(float64(n)) }

func (c *Collector) SetBucketOccupancy(bucket, n int) {
	c.bucketOcc.WithLabelValues(strconv.Itoa(bucket)).Set(float64(n))
}

func (c *Collector) DialAttempt(stage string, ok bool) { c.dials.WithLabelValues(stage, result(ok)).Inc() }
func (c *Collector) ConnOpened(relayed bool)           { c.conns.WithLabelValues(path(relayed)).Inc() }
func (c *Collector) ConnClosed(relayed bool)           { c.conns.WithLabelValues(path(relayed)).Dec() }
func (c *Collector) CircuitOpened()                    { c.circuits.Inc() }
func (c *Collector) CircuitClosed()                    { c.circuits.Dec() }

func (c *Collector) PeerConnected()    { c.peers.Inc() }
func (c *Collector) PeerDisconnected() { c.peers.Dec() }

func (c *Collector) DirectSent(outcome string) { c.directSent.WithLabelValues(outcome).Inc() }

func (c *Collector) DirectReceived(accepted bool) {
	r := "accepted"
	if !accepted {
		r = "refused"
	}
	c.directRecv.WithLabelValues(r).Inc()
}

func (c *Collector) GossipQueueDrop()                { c.queueDrops.Inc() }
func (c *Collector) PresenceTransition(state string) { c.presence.WithLabelValues(state).Inc() }

var (
	_ dht.Metrics       = (*Collector)(nil)
	_ transport.Metrics = (*Collector)(nil)
	_ fabric.Metrics    = (*Collector)(nil)
)
