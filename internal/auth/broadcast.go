package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// DefaultFreshnessWindow bounds how long a broadcast tag stays valid.
const DefaultFreshnessWindow = 5 * time.Second

// BroadcastToken is what a relay sends alongside the payload.
type BroadcastToken struct {
	Tag      []byte
	Sender   int
	Receiver int
	Expiry   time.Time
}

// ClusterAuthenticator is the peer-facing half of a node. Every node in a
// cluster shares the same secret; tags are bound to sender, receiver and
// expiry so a captured tag cannot be redirected or reused late.
type ClusterAuthenticator struct {
	self   int
	secret []byte
	window time.Duration
}

// NewClusterAuthenticator returns the authenticator for node self.
// A non-positive window falls back to DefaultFreshnessWindow.
func NewClusterAuthenticator(self int, secret []byte, window time.Duration) *ClusterAuthenticator {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &ClusterAuthenticator{
		self:   self,
		secret: append([]byte(nil), secret...),
		window: window,
	}
}

// ID returns the node id the authenticator is bound to.
func (a *ClusterAuthenticator) ID() int {
	return a.self
}

// Window returns the freshness window.
func (a *ClusterAuthenticator) Window() time.Duration {
	return a.window
}

// Issue tags payload for receiver. The tag expires at now + window.
func (a *ClusterAuthenticator) Issue(payload []byte, receiver int, now time.Time) BroadcastToken {
	expiry := now.Add(a.window)
	return BroadcastToken{
		Tag:      a.tag(payload, a.self, receiver, expiry),
		Sender:   a.self,
		Receiver: receiver,
		Expiry:   expiry,
	}
}

// Verify checks tok as received by this node at now. The receiver id in the
// tag is always this node's own id, whatever tok.Receiver claims.
func (a *ClusterAuthenticator) Verify(payload []byte, tok BroadcastToken, now time.Time) error {
	if now.After(tok.Expiry) {
		return fmt.Errorf("%w: from %d, %s past expiry", ErrExpired, tok.Sender, now.Sub(tok.Expiry))
	}
	want := a.tag(payload, tok.Sender, a.self, tok.Expiry)
	if !hmac.Equal(want, tok.Tag) {
		return fmt.Errorf("%w: broadcast from %d", ErrVerificationFailure, tok.Sender)
	}
	return nil
}

// tag = HMAC(secret, payload || sender || receiver || expiry). The suffix is
// fixed width so the framing is unambiguous.
func (a *ClusterAuthenticator) tag(payload []byte, sender, receiver int, expiry time.Time) []byte {
	var suffix [24]byte
	binary.BigEndian.PutUint64(suffix[0:8], uint64(int64(sender)))
	binary.BigEndian.PutUint64(suffix[8:16], uint64(int64(receiver)))
	binary.BigEndian.PutUint64(suffix[16:24], uint64(expiry.UnixNano()))

	m := hmac.New(sha256.New, a.secret)
	m.Write(payload)
	m.Write(suffix[:])
	return m.Sum(nil)
}
