package platoon

// Membership is the ordered platoon chain, leader first. It changes only
// through Join and Leave; both are idempotent so replayed or conflicting
// events degrade to no-ops. Any two instances fed the same event sequence
// hold identical chains.
type Membership struct {
	order []string
}

// Join appends id to the tail. Returns true if the chain changed.
func (m *Membership) Join(id string) bool {
	if id == "" || m.Contains(id) {
		return false
	}
	m.order = append(m.order, id)
	return true
}

// Leave removes id, contracting the chain: everyone behind the departed
// member shifts up one position. Returns true if the chain changed.
func (m *Membership) Leave(id string) bool {
	for i, member := range m.order {
		if member == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether id is a member.
func (m *Membership) Contains(id string) bool {
	return m.IndexOf(id) >= 0
}

// IndexOf returns the position of id, or -1. Index 0 is the leader.
func (m *Membership) IndexOf(id string) int {
	for i, member := range m.order {
		if member == id {
			return i
		}
	}
	return -1
}

// PredecessorOf returns the member immediately ahead of id. ok is false for
// the leader and for non-members.
func (m *Membership) PredecessorOf(id string) (string, bool) {
	i := m.IndexOf(id)
	if i <= 0 {
		return "", false
	}
	return m.order[i-1], true
}

// Leader returns the head of the chain, or "" when empty.
func (m *Membership) Leader() string {
	if len(m.order) == 0 {
		return ""
	}
	return m.order[0]
}

// Len returns the number of members.
func (m *Membership) Len() int { return len(m.order) }

// Peers returns a copy of the chain, leader first.
func (m *Membership) Peers() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
