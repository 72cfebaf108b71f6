package redis

import "fmt"

const (
	// DefaultPrefix namespaces every key written by this package
	DefaultPrefix = "hstroute:"
	// DefaultChannel is the pub/sub channel carrying change events
	DefaultChannel = "hstroute:events"
)

// Keys builds the Redis keys of one repository namespace.
type Keys struct {
	prefix string
}

// NewKeys returns the key builder for prefix, or DefaultPrefix when empty.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

// Node returns the key holding the JSON of the node at path
func (k Keys) Node(path string) string {
	return k.prefix + "node:" + path
}

// Children returns the sorted set of child paths of path, scored by creation order
func (k Keys) Children(path string) string {
	return k.prefix + "children:" + path
}

// Seq returns the counter used to order children
func (k Keys) Seq() string {
	return k.prefix + "seq"
}

// Gen returns the counter bumped inside every write transaction
func (k Keys) Gen() string {
	return k.prefix + "gen"
}

// MatchPrefix returns the prefix of every cached routing decision of a context
func (k Keys) MatchPrefix(context string) string {
	return k.prefix + "match:" + context + ":"
}

// Match returns the key of one cached routing decision
func (k Keys) Match(context, host, path string) string {
	return k.MatchPrefix(context) + host + "|" + path
}

// PathFromNodeKey extracts the node path from a node key
func (k Keys) PathFromNodeKey(key string) (string, error) {
	p := k.prefix + "node:"
	if len(key) <= len(p) || key[:len(p)] != p {
		return "", fmt.Errorf("invalid node key: %s", key)
	}
	return key[len(p):], nil
}
