package dht

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"six7-fabric/internal/identity"
)

const numBuckets = NodeIDBytes * 8

// LivenessState is a routing entry's standing.
type LivenessState int

const (
	Alive LivenessState = iota
	Suspect
	Dead
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	default:
		return "dead"
	}
}

// PeerRecord is one routing table entry.
type PeerRecord struct {
	ID       identity.PeerID
	NodeID   NodeID
	Addrs    []string
	LastSeen time.Time
	State    LivenessState
}

func (r PeerRecord) clone() PeerRecord {
	r.Addrs = append([]string(nil), r.Addrs...)
	return r
}

type bucket struct {
	mu          sync.Mutex
	nodes       []PeerRecord // LRU: index 0 = most recently seen; end = least
	repl        []PeerRecord // replacement cache (bounded)
	lastRefresh time.Time
}

func (b *bucket) indexOf(id NodeID) int {
	for i := range b.nodes {
		if b.nodes[i].NodeID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToFront(i int) {
	rec := b.nodes[i]
	copy(b.nodes[1:i+1], b.nodes[:i])
	b.nodes[0] = rec
}

func (b *bucket) deadIndex() int {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		if b.nodes[i].State == Dead {
			return i
		}
	}
	return -1
}

// DiversityPolicy caps how many entries of one bucket may share a /24
// (IPv4) or /64 (IPv6). Zero MaxPerSubnet disables the cap. Private and
// link-local addresses are exempt unless LimitPrivate is set, so a LAN full
// of peers still fills the table.
type DiversityPolicy struct {
	MaxPerSubnet int
	LimitPrivate bool
}

// DefaultDiversityPolicy allows two public peers per subnet per bucket.
func DefaultDiversityPolicy() DiversityPolicy {
	return DiversityPolicy{MaxPerSubnet: 2}
}

// RoutingTable is a Kademlia table. Every bucket is its own shard with its
// own lock; no operation holds more than one bucket lock at a time.
type RoutingTable struct {
	self  NodeID
	k     int
	clock clock.Clock

	buckets [numBuckets]*bucket

	maxPerSubnet atomic.Int32
	limitPrivate atomic.Bool
}

func NewRoutingTable(self NodeID, k int, clk clock.Clock) *RoutingTable {
	if k <= 0 {
		k = 20
	}
	if clk == nil {
		clk = clock.New()
	}
	rt := &RoutingTable{self: self, k: k, clock: clk}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	rt.SetDiversity(DefaultDiversityPolicy())
	return rt
}

func (rt *RoutingTable) Self() NodeID { return rt.self }

func (rt *RoutingTable) K() int { return rt.k }

// Seen is a "no-network" upsert. A known entry moves to the front and
// becomes Alive. A new entry takes a free slot or a Dead entry's slot;
// otherwise it waits in the replacement cache.
func (rt *RoutingTable) Seen(id identity.PeerID, addrs []string) {
	rt.upsert(context.Background(), id, addrs, nil)
}

// PingFunc returns true if the peer answered.
type PingFunc func(ctx context.Context, rec PeerRecord) bool

// UpsertWithEviction implements Kademlia bucket semantics:
// - If node exists: move-to-front
// - Else if space, or a Dead entry: insert at front
// - Else ping LRU tail: if dead -> evict tail, insert new; if alive -> keep tail, add new to replacement cache.
func (rt *RoutingTable) UpsertWithEviction(ctx context.Context, id identity.PeerID, addrs []string, ping PingFunc) {
	rt.upsert(ctx, id, addrs, ping)
}

func (rt *RoutingTable) upsert(ctx context.Context, pid identity.PeerID, addrs []string, ping PingFunc) {
	id := NodeIDFromPeerID(pid)
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return
	}
	b := rt.buckets[bi]
	now := rt.clock.Now()

	b.mu.Lock()
	if i := b.indexOf(id); i >= 0 {
		rec := &b.nodes[i]
		if len(addrs) > 0 {
			rec.Addrs = append([]string(nil), addrs...)
		}
		rec.LastSeen = now
		rec.State = Alive
		b.moveToFront(i)
		b.mu.Unlock()
		return
	}

	rec := PeerRecord{
		ID:       pid,
		NodeID:   id,
		Addrs:    append([]string(nil), addrs...),
		LastSeen: now,
		State:    Alive,
	}

	// Anti-eclipse diversity: cap number of nodes from the same subnet per bucket.
	if max := int(rt.maxPerSubnet.Load()); max > 0 && rt.diversityApplies(firstAddr(rec.Addrs)) {
		if sk := subnetKey(firstAddr(rec.Addrs)); sk != "" {
			cnt := 0
			for i := range b.nodes {
				if subnetKey(firstAddr(b.nodes[i].Addrs)) == sk {
					cnt++
				}
			}
			if cnt >= max {
				b.mu.Unlock()
				return
			}
		}
	}

	if len(b.nodes) < rt.k {
		b.nodes = append([]PeerRecord{rec}, b.nodes...)
		b.mu.Unlock()
		return
	}
	if i := b.deadIndex(); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.nodes = append([]PeerRecord{rec}, b.nodes...)
		b.mu.Unlock()
		return
	}

	// Bucket full:
	// If no ping func, we cannot safely evict; keep the new node as a replacement.
	if ping == nil {
		b.addReplacement(rec)
		b.mu.Unlock()
		return
	}

	// Ping LRU tail outside lock to avoid blocking the bucket.
	tail := b.nodes[len(b.nodes)-1].clone()
	b.mu.Unlock()

	alive := ping(ctx, tail)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.indexOf(id) >= 0 {
		return
	}
	if len(b.nodes) < rt.k {
		b.nodes = append([]PeerRecord{rec}, b.nodes...)
		return
	}

	ti := b.indexOf(tail.NodeID)
	if alive || ti < 0 {
		// Keep tail, drop new from main list, but keep as replacement
		if ti >= 0 {
			b.nodes[ti].LastSeen = rt.clock.Now()
			b.nodes[ti].State = Alive
			b.moveToFront(ti)
		}
		b.addReplacement(rec)
		return
	}

	// Tail considered dead => evict it
	b.nodes = append(b.nodes[:ti], b.nodes[ti+1:]...)
	b.nodes = append([]PeerRecord{rec}, b.nodes...)
}

func (b *bucket) addReplacement(rec PeerRecord) {
	const replMax = 10
	for i := range b.repl {
		if b.repl[i].NodeID == rec.NodeID {
			b.repl[i] = rec
			return
		}
	}
	b.repl = append([]PeerRecord{rec}, b.repl...)
	if len(b.repl) > replMax {
		b.repl = b.repl[:replMax]
	}
}

// SetState changes a known entry's standing. Alive also refreshes LastSeen.
func (rt *RoutingTable) SetState(pid identity.PeerID, s LivenessState) bool {
	id := NodeIDFromPeerID(pid)
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return false
	}
	b := rt.buckets[bi]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	// only a fresh sighting revives a Dead entry
	if b.nodes[i].State == Dead && s == Suspect {
		return true
	}
	b.nodes[i].State = s
	if s == Alive {
		b.nodes[i].LastSeen = rt.clock.Now()
	}
	return true
}

func (rt *RoutingTable) Get(pid identity.PeerID) (PeerRecord, bool) {
	id := NodeIDFromPeerID(pid)
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return PeerRecord{}, false
	}
	b := rt.buckets[bi]
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i].clone(), true
	}
	return PeerRecord{}, false
}

// Remove drops an entry and promotes the freshest replacement.
func (rt *RoutingTable) Remove(pid identity.PeerID) bool {
	id := NodeIDFromPeerID(pid)
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return false
	}
	b := rt.buckets[bi]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.promote()
	return true
}

func (b *bucket) promote() {
	if len(b.repl) == 0 {
		return
	}
	rec := b.repl[0]
	b.repl = b.repl[1:]
	b.nodes = append(b.nodes, rec)
}

// Sweep evicts Dead entries silent for longer than evictAfter and returns
// how many were removed.
func (rt *RoutingTable) Sweep(evictAfter time.Duration) int {
	now := rt.clock.Now()
	removed := 0
	for _, b := range rt.buckets {
		b.mu.Lock()
		kept := b.nodes[:0]
		n := 0
		for _, rec := range b.nodes {
			if rec.State == Dead && now.Sub(rec.LastSeen) > evictAfter {
				n++
				continue
			}
			kept = append(kept, rec)
		}
		b.nodes = kept
		removed += n
		for ; n > 0 && len(b.nodes) < rt.k; n-- {
			b.promote()
		}
		b.mu.Unlock()
	}
	return removed
}

// Closest returns up to n non-Dead entries ordered by distance to target.
func (rt *RoutingTable) Closest(target NodeID, n int) []PeerRecord {
	if n <= 0 {
		n = rt.k
	}
	all := make([]PeerRecord, 0, 4*rt.k)
	for _, b := range rt.buckets {
		b.mu.Lock()
		for _, rec := range b.nodes {
			if rec.State != Dead {
				all = append(all, rec.clone())
			}
		}
		b.mu.Unlock()
	}

	SortByDistance(all, target)

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Snapshot returns every entry, Dead ones included.
func (rt *RoutingTable) Snapshot() []PeerRecord {
	var out []PeerRecord
	for _, b := range rt.buckets {
		b.mu.Lock()
		for _, rec := range b.nodes {
			out = append(out, rec.clone())
		}
		b.mu.Unlock()
	}
	SortByDistance(out, rt.self)
	return out
}

// SortByDistance sorts records by XOR distance to target.
func SortByDistance(recs []PeerRecord, target NodeID) {
	sort.SliceStable(recs, func(i, j int) bool {
		return DistanceLess(Distance(recs[i].NodeID, target), Distance(recs[j].NodeID, target))
	})
}

func firstAddr(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

func subnetKey(addr string) string {
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "dns:" + strings.ToLower(host)
	}

	if ip.IsLoopback() {
		if port != "" {
			return "loopback:" + host + ":" + port
		}
		return "loopback:" + host
	}

	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("v4:%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}

	ip = ip.To16()
	if ip == nil {
		return "ip:unknown"
	}

	pfx := make(net.IP, 16)
	copy(pfx, ip)
	for i := 8; i < 16; i++ {
		pfx[i] = 0
	}
	return "v6:" + pfx.String() + "/64"
}

// Size returns total number of nodes in the routing table.
func (rt *RoutingTable) Size() int {
	n := 0
	for _, b := range rt.buckets {
		b.mu.Lock()
		n += len(b.nodes)
		b.mu.Unlock()
	}
	return n
}

// BucketSize returns number of nodes in a bucket.
func (rt *RoutingTable) BucketSize(bucket int) int {
	if bucket < 0 || bucket >= numBuckets {
		return 0
	}
	b := rt.buckets[bucket]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

// ReplacementSize returns the replacement cache length of a bucket.
func (rt *RoutingTable) ReplacementSize(bucket int) int {
	if bucket < 0 || bucket >= numBuckets {
		return 0
	}
	b := rt.buckets[bucket]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.repl)
}

// StaleBuckets lists non-empty buckets not refreshed within interval and
// marks them refreshed.
func (rt *RoutingTable) StaleBuckets(interval time.Duration) []int {
	now := rt.clock.Now()
	var out []int
	for i, b := range rt.buckets {
		b.mu.Lock()
		if len(b.nodes) > 0 && now.Sub(b.lastRefresh) >= interval {
			b.lastRefresh = now
			out = append(out, i)
		}
		b.mu.Unlock()
	}
	return out
}

func (rt *RoutingTable) SetDiversityLimit(maxPerSubnet int) {
	rt.maxPerSubnet.Store(int32(maxPerSubnet))
}

func (rt *RoutingTable) SetDiversity(p DiversityPolicy) {
	rt.maxPerSubnet.Store(int32(p.MaxPerSubnet))
	rt.limitPrivate.Store(p.LimitPrivate)
}

func (rt *RoutingTable) diversityApplies(addr string) bool {
	if rt.limitPrivate.Load() {
		return true
	}
	return !isPrivateAddr(addr)
}

func isPrivateAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
