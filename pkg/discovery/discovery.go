package discovery

// Discovery abstracts how member-status endpoints (dynamic join seeds) and
// gossip seeds are provided.
type Discovery interface {
    Seeds() []string
}
