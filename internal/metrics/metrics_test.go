package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.IncRPC("find_node", true)
	c.IncRPC("find_node", false)
	c.IncRPC("find_node", false)
	require.Equal(t, 1.0, testutil.ToFloat64(c.dhtRPC.WithLabelValues("find_node", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.dhtRPC.WithLabelValues("find_node", "error")))

	c.ConnOpened(false)
	c.ConnOpened(true)
	c.ConnClosed(false)
	require.Equal(t, 0.0, testutil.ToFloat64(c.conns.WithLabelValues("direct")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.conns.WithLabelValues("relayed")))

	c.PeerConnected()
	c.PeerConnected()
	c.PeerDisconnected()
	require.Equal(t, 1.0, testutil.ToFloat64(c.peers))

	c.DirectSent("acked")
	c.DirectReceived(false)
	c.GossipQueueDrop()
	c.PresenceTransition("dead")
	c.SetRoutingTableSize(7)
	c.SetBucketOccupancy(3, 2)
	c.ObserveLookup("find_node", 9, 120*time.Millisecond, true)
	c.CircuitOpened()

	require.Equal(t, 1.0, testutil.ToFloat64(c.directSent.WithLabelValues("acked")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.directRecv.WithLabelValues("refused")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.queueDrops))
	require.Equal(t, 1.0, testutil.ToFloat64(c.presence.WithLabelValues("dead")))
	require.Equal(t, 7.0, testutil.ToFloat64(c.routingSize))
	require.Equal(t, 2.0, testutil.ToFloat64(c.bucketOcc.WithLabelValues("3")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.circuits))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.GossipQueueDrop()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "six7_gossip_queue_drops_total 1")
	require.Contains(t, string(body), "go_goroutines")
}
