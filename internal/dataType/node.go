package dataType

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"satupdate/internal/auth"
	"satupdate/internal/hashchain"
)

// Node is one satellite. The same type serves as entry node and relay; the
// role is chosen by which authenticator the caller invokes.
type Node struct {
	ID          int
	Credentials *auth.CredentialStore
	Cluster     *auth.ClusterAuthenticator

	mu      sync.Mutex
	seen    mapset.Set[hashchain.Digest]
	history []ReceptionRecord
}

// NewNode provisions node id with the round-0 origin credential and the
// cluster secret shared by every node in the fleet.
func NewNode(id int, initial hashchain.Digest, clusterSecret []byte, window time.Duration) *Node {
	return &Node{
		ID:          id,
		Credentials: auth.NewCredentialStore(initial),
		Cluster:     auth.NewClusterAuthenticator(id, clusterSecret, window),
		seen:        mapset.NewThreadUnsafeSet[hashchain.Digest](),
	}
}

func (n *Node) HasSeen(d hashchain.Digest) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen.Contains(d)
}

// MarkSeen records d and reports whether it was new.
func (n *Node) MarkSeen(d hashchain.Digest) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen.Add(d)
}

// BeginRound opens an unreceived record for round. Calling it twice for the
// same round is a no-op.
func (n *Node) BeginRound(round int, version string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.recordLocked(round) != nil {
		return
	}
	n.history = append(n.history, ReceptionRecord{Round: round, Version: version})
}

// Accept marks round as received. Only the first call per round takes
// effect; it returns false for later ones or for a round never begun.
func (n *Node) Accept(round int, at time.Duration, hops int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec := n.recordLocked(round)
	if rec == nil || rec.Received {
		return false
	}
	rec.Received = true
	rec.TimeToReceive = at
	rec.Hops = hops
	return true
}

// Reception returns the record for round.
func (n *Node) Reception(round int) (ReceptionRecord, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rec := n.recordLocked(round); rec != nil {
		return *rec, true
	}
	return ReceptionRecord{}, false
}

// History returns a copy of every round's record in round order.
func (n *Node) History() []ReceptionRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ReceptionRecord(nil), n.history...)
}

func (n *Node) recordLocked(round int) *ReceptionRecord {
	for i := len(n.history) - 1; i >= 0; i-- {
		if n.history[i].Round == round {
			return &n.history[i]
		}
	}
	return nil
}
