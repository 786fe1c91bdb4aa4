package bootstrap

import "context"

type PeerSource interface {
	// Discover returns candidate peers to connect to.
	Discover(ctx context.Context) ([]Entry, error)
	Name() string
}
