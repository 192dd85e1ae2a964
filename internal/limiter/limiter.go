// Package limiter locks out peers that keep presenting bad operator tokens.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"time"
)

// Limiter tracks failed authentications per peer.
type Limiter interface {
	// Allow reports whether the peer may authenticate now, with the remaining
	// lockout when it may not.
	Allow(ctx context.Context, peer []byte) (bool, time.Duration, error)
	// Success resets the peer's counters.
	Success(ctx context.Context, peer []byte) error
	// Failure records a failed attempt and reports whether it started a lockout.
	Failure(ctx context.Context, peer []byte) (bool, time.Duration, error)
}

// HashPeer returns a stable hash of the peer host so raw addresses are not
// stored. The port is dropped; every connection from one host shares a key.
func HashPeer(addr string) []byte {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	sum := sha256.Sum256([]byte(host))
	return sum[:]
}
