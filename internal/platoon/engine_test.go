package platoon

import (
	"reflect"
	"testing"
	"time"

	"github.com/Ringman3640/carla-platoon-system/internal/protocol"
)

// fakeClock lets tests advance staleness time manually.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(self string, clk *fakeClock) *Engine {
	cfg := Config{SelfID: self, StaleAfter: 150 * time.Millisecond}
	if clk != nil {
		cfg.Now = clk.now
	}
	return New(cfg)
}

func join(id string) protocol.Message  { return protocol.NewJoin(id, time.Unix(0, 0)) }
func leave(id string) protocol.Message { return protocol.NewLeave(id) }
func state(id string, seq uint64) protocol.Message {
	return protocol.NewState(protocol.VehicleState{PeerID: id, Seq: seq})
}

func TestJoinLeaveScenario(t *testing.T) {
	// L, F1, F2 join in order; F1 leaves; F2's predecessor becomes L.
	e := newTestEngine("F2", nil)

	for _, m := range []protocol.Message{join("L"), join("F1"), join("F2")} {
		e.HandleInbound(m)
	}
	if got := e.Members(); !reflect.DeepEqual(got, []string{"L", "F1", "F2"}) {
		t.Fatalf("members = %v", got)
	}
	if pred, _ := e.Predecessor(); pred != "F1" {
		t.Fatalf("predecessor = %q, want F1", pred)
	}

	if changed := e.HandleInbound(leave("F1")); !changed {
		t.Fatal("expected predecessor change on F1 leave")
	}
	if got := e.Members(); !reflect.DeepEqual(got, []string{"L", "F2"}) {
		t.Fatalf("members after leave = %v", got)
	}
	if pred, _ := e.Predecessor(); pred != "L" {
		t.Fatalf("predecessor after leave = %q, want L", pred)
	}
}

func TestEventApplicationIsDeterministic(t *testing.T) {
	// The same event sequence applied to two engines yields identical chains.
	events := []protocol.Message{
		join("a"), join("b"), join("a"), // duplicate join is a no-op
		join("c"), leave("b"),
		leave("x"), // unknown peer is a no-op
		join("d"), leave("a"),
	}
	e1 := newTestEngine("c", nil)
	e2 := newTestEngine("d", nil)
	for _, m := range events {
		e1.HandleInbound(m)
		e2.HandleInbound(m)
	}
	if !reflect.DeepEqual(e1.Members(), e2.Members()) {
		t.Fatalf("views diverged: %v vs %v", e1.Members(), e2.Members())
	}
	if got := e1.Members(); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Fatalf("members = %v, want [c d]", got)
	}
}

func TestChainContractionLeavesNoDanglingPredecessor(t *testing.T) {
	// After any non-tail, non-leader member leaves, no engine's predecessor
	// points at the departed peer.
	ids := []string{"p0", "p1", "p2", "p3", "p4"}
	engines := make([]*Engine, len(ids))
	for i, id := range ids {
		engines[i] = newTestEngine(id, nil)
		for _, j := range ids {
			engines[i].HandleInbound(join(j))
		}
	}
	for _, e := range engines {
		e.HandleInbound(leave("p2"))
	}
	for i, e := range engines {
		if pred, ok := e.Predecessor(); ok && pred == "p2" {
			t.Fatalf("engine %d still tracks departed p2", i)
		}
	}
	if pred, _ := engines[3].Predecessor(); pred != "p1" {
		t.Fatalf("p3 predecessor = %q, want p1", pred)
	}
}

func TestRoleDerivation(t *testing.T) {
	e := newTestEngine("me", nil)
	if e.Role() != RoleNone {
		t.Fatalf("role before join = %v", e.Role())
	}
	e.HandleInbound(join("me"))
	if e.Role() != RoleLeader {
		t.Fatalf("sole member role = %v, want leader", e.Role())
	}
	e.HandleInbound(join("tail"))
	if e.Role() != RoleLeader {
		t.Fatalf("role after tail join = %v, want leader", e.Role())
	}

	f := newTestEngine("tail", nil)
	f.HandleInbound(join("me"))
	f.HandleInbound(join("tail"))
	if f.Role() != RoleFollower {
		t.Fatalf("tail role = %v, want follower", f.Role())
	}
}

func TestStateTracking(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	e := newTestEngine("f", clk)
	e.HandleInbound(join("lead"))
	e.HandleInbound(join("f"))

	if !e.Stale() {
		t.Fatal("expected stale before any state arrives")
	}

	e.HandleInbound(state("lead", 1))
	if e.Stale() {
		t.Fatal("fresh state reported stale")
	}
	got, ok := e.PredecessorState()
	if !ok || got.Seq != 1 {
		t.Fatalf("track = %+v ok=%v", got, ok)
	}

	// Reordered and duplicate states are dropped.
	e.HandleInbound(state("lead", 3))
	e.HandleInbound(state("lead", 2))
	if got, _ := e.PredecessorState(); got.Seq != 3 {
		t.Fatalf("seq = %d, want 3 (reordered state applied)", got.Seq)
	}

	// States from non-predecessors are ignored.
	e.HandleInbound(state("stranger", 99))
	if got, _ := e.PredecessorState(); got.PeerID != "lead" {
		t.Fatalf("tracking %q, want lead", got.PeerID)
	}
}

func TestStalenessWindow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	e := newTestEngine("f", clk)
	e.HandleInbound(join("lead"))
	e.HandleInbound(join("f"))
	e.HandleInbound(state("lead", 1))

	clk.advance(150 * time.Millisecond)
	if e.Stale() {
		t.Fatal("stale exactly at window edge")
	}
	clk.advance(time.Millisecond)
	if !e.Stale() {
		t.Fatal("not stale past window")
	}

	// A fresh state auto-clears staleness.
	e.HandleInbound(state("lead", 2))
	if e.Stale() {
		t.Fatal("stale after fresh state")
	}
}

func TestPredecessorChangeClearsTrack(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	e := newTestEngine("f2", clk)
	for _, m := range []protocol.Message{join("lead"), join("f1"), join("f2")} {
		e.HandleInbound(m)
	}
	e.HandleInbound(state("f1", 7))
	if _, ok := e.PredecessorState(); !ok {
		t.Fatal("track missing")
	}

	// f1 leaves: we promote to following the leader; the old track must not
	// survive, and no state has arrived from the new predecessor yet.
	if changed := e.HandleInbound(leave("f1")); !changed {
		t.Fatal("expected predecessor change")
	}
	if _, ok := e.PredecessorState(); ok {
		t.Fatal("stale track survived promotion")
	}
	if !e.Stale() {
		t.Fatal("expected stale until new predecessor reports")
	}

	// Old predecessor's late state must not resurrect the track.
	e.HandleInbound(state("f1", 8))
	if _, ok := e.PredecessorState(); ok {
		t.Fatal("departed peer's state applied")
	}
	e.HandleInbound(state("lead", 1))
	if got, _ := e.PredecessorState(); got.PeerID != "lead" {
		t.Fatalf("tracking %q, want lead", got.PeerID)
	}
}
