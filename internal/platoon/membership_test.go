package platoon

import (
	"reflect"
	"testing"
)

func TestMembershipOrdering(t *testing.T) {
	var m Membership
	if m.Leader() != "" || m.Len() != 0 {
		t.Fatalf("empty chain: leader=%q len=%d", m.Leader(), m.Len())
	}

	for _, id := range []string{"a", "b", "c"} {
		if !m.Join(id) {
			t.Fatalf("join %q failed", id)
		}
	}
	if m.Join("b") {
		t.Fatal("duplicate join changed chain")
	}
	if m.Join("") {
		t.Fatal("empty id joined")
	}
	if got := m.Peers(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("peers = %v", got)
	}
	if m.Leader() != "a" {
		t.Fatalf("leader = %q", m.Leader())
	}

	if pred, ok := m.PredecessorOf("a"); ok {
		t.Fatalf("leader has predecessor %q", pred)
	}
	if pred, ok := m.PredecessorOf("ghost"); ok {
		t.Fatalf("non-member has predecessor %q", pred)
	}
	if pred, _ := m.PredecessorOf("c"); pred != "b" {
		t.Fatalf("predecessor of c = %q", pred)
	}
}

func TestMembershipLeave(t *testing.T) {
	var m Membership
	for _, id := range []string{"a", "b", "c"} {
		m.Join(id)
	}
	if !m.Leave("a") {
		t.Fatal("leader leave failed")
	}
	if m.Leave("a") {
		t.Fatal("second leave changed chain")
	}
	if got := m.Peers(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("peers = %v", got)
	}
	// b promoted to leader, c re-links to b.
	if m.Leader() != "b" {
		t.Fatalf("leader = %q", m.Leader())
	}
	if pred, _ := m.PredecessorOf("c"); pred != "b" {
		t.Fatalf("predecessor of c = %q", pred)
	}
}

func TestPeersIsACopy(t *testing.T) {
	var m Membership
	m.Join("a")
	m.Join("b")
	peers := m.Peers()
	peers[0] = "mutated"
	if m.Leader() != "a" {
		t.Fatal("Peers() exposed internal slice")
	}
}
