package vibe

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
)

func peer(t *testing.T) identity.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.PeerID()
}

func testPolicy() Policy {
	return Policy{RevealDelay: 10 * time.Second, MinRevealDelay: 5 * time.Second, RevealDeadline: time.Minute}
}

func TestCommit_DomainSeparated(t *testing.T) {
	secret := []byte("s")
	c := Commit("v1", secret)
	require.Len(t, c, 64)
	require.True(t, Verify("v1", secret, c))
	require.False(t, Verify("v2", secret, c))
	require.False(t, Verify("v1", []byte("t"), c))

	// the separator keeps ("ab","c") and ("a","bc") apart
	require.NotEqual(t, Commit("ab", []byte("c")), Commit("a", []byte("bc")))
}

func TestPolicy_Validate(t *testing.T) {
	require.ErrorIs(t, Policy{}.Validate(), ErrTimingUnset)
	require.NoError(t, testPolicy().Validate())
	require.Error(t, Policy{RevealDelay: time.Second, MinRevealDelay: 2 * time.Second}.Validate())
	require.Error(t, Policy{RevealDelay: time.Minute, RevealDeadline: time.Second}.Validate())
}

func TestBook_MatchAndReveal(t *testing.T) {
	clk := clock.NewMock()
	b := NewBook(testPolicy(), clk)
	a, c, d := peer(t), peer(t), peer(t)

	shared := []byte("pizza")
	require.NoError(t, b.ObserveCommit("v", a, Commit("v", shared)))
	require.NoError(t, b.ObserveCommit("v", c, Commit("v", shared)))
	require.NoError(t, b.ObserveCommit("v", d, Commit("v", []byte("sushi"))))

	ms := b.Matches("v")
	require.Len(t, ms, 1)
	require.ElementsMatch(t, []identity.PeerID{a, c}, ms[0].Peers)
	require.Empty(t, ms[0].Revealed)

	clk.Add(10 * time.Second)
	require.NoError(t, b.ObserveReveal("v", a, shared))
	ms = b.Matches("v")
	require.Equal(t, []identity.PeerID{a}, ms[0].Revealed)

	require.Empty(t, b.Matches("other"))
}

func TestBook_RevealErrors(t *testing.T) {
	clk := clock.NewMock()
	b := NewBook(testPolicy(), clk)
	a := peer(t)

	require.ErrorIs(t, b.ObserveReveal("v", a, []byte("x")), ErrRevealWithoutCommit)

	require.NoError(t, b.ObserveCommit("v", a, Commit("v", []byte("x"))))
	clk.Add(time.Second)
	require.ErrorIs(t, b.ObserveReveal("v", a, []byte("x")), ErrEarlyReveal)

	clk.Add(5 * time.Second)
	require.ErrorIs(t, b.ObserveReveal("v", a, []byte("y")), ErrRevealMismatch)
	require.NoError(t, b.ObserveReveal("v", a, []byte("x")))

	late := peer(t)
	require.NoError(t, b.ObserveCommit("v", late, Commit("v", []byte("x"))))
	clk.Add(2 * time.Minute)
	require.ErrorIs(t, b.ObserveReveal("v", late, []byte("x")), ErrRevealTooLate)
}

func TestBook_CommitRules(t *testing.T) {
	b := NewBook(testPolicy(), clock.NewMock())
	a := peer(t)

	require.ErrorIs(t, b.ObserveCommit("v", a, "nothex"), ErrBadCommitment)
	require.ErrorIs(t, b.ObserveCommit("v", a, "abcd"), ErrBadCommitment)

	c := Commit("v", []byte("x"))
	require.NoError(t, b.ObserveCommit("v", a, c))
	require.NoError(t, b.ObserveCommit("v", a, c))
	require.ErrorIs(t, b.ObserveCommit("v", a, Commit("v", []byte("y"))), ErrRecommit)
}

func TestBook_ObserveDispatch(t *testing.T) {
	clk := clock.NewMock()
	b := NewBook(Policy{RevealDelay: time.Second}, clk)
	a := peer(t)
	secret := []byte{1, 2, 3}

	require.NoError(t, b.Observe(a, message.Vibe{Phase: message.VibeCommitment, VibeID: "v", Commitment: Commit("v", secret)}))
	require.NoError(t, b.Observe(a, message.Vibe{Phase: message.VibeReveal, VibeID: "v", Secret: hex.EncodeToString(secret)}))
	require.ErrorIs(t, b.Observe(a, message.Vibe{Phase: message.VibeReveal, VibeID: "v", Secret: "zz"}), ErrRevealMismatch)
	require.Error(t, b.Observe(a, message.Vibe{Phase: "bogus", VibeID: "v"}))
}

func TestBook_SweepAndForget(t *testing.T) {
	clk := clock.NewMock()
	b := NewBook(testPolicy(), clk)
	a, c := peer(t), peer(t)

	require.NoError(t, b.ObserveCommit("old", a, Commit("old", []byte("x"))))
	clk.Add(time.Hour)
	require.NoError(t, b.ObserveCommit("new", a, Commit("new", []byte("x"))))
	require.NoError(t, b.ObserveCommit("new", c, Commit("new", []byte("x"))))

	require.Equal(t, 1, b.Sweep(30*time.Minute))
	require.Len(t, b.Matches("new"), 1)

	b.Forget("new")
	require.Empty(t, b.Matches("new"))
}

type recorder struct {
	mu   sync.Mutex
	sent []message.Vibe
}

func (r *recorder) publish(_ context.Context, v message.Vibe) error {
	r.mu.Lock()
	r.sent = append(r.sent, v)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestSession_TwoPhases(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	secret := []byte("pizza")
	s, err := NewSession("v", secret, testPolicy(), rec.publish, clk)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, message.VibeCommitment, rec.sent[0].Phase)
	require.Equal(t, s.Commitment(), rec.sent[0].Commitment)

	// the timer is armed after the commit is published
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return rec.count() == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, <-done)

	rev := rec.sent[1]
	require.Equal(t, message.VibeReveal, rev.Phase)
	raw, err := hex.DecodeString(rev.Secret)
	require.NoError(t, err)
	require.True(t, Verify("v", raw, rec.sent[0].Commitment))
}

func TestSession_CancelWithholdsReveal(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	s, err := NewSession("v", []byte("x"), testPolicy(), rec.publish, clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 1, rec.count())
}

func TestSession_RequiresTiming(t *testing.T) {
	_, err := NewSession("v", []byte("x"), Policy{}, (&recorder{}).publish, nil)
	require.ErrorIs(t, err, ErrTimingUnset)
}
