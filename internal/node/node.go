// Package node defines the cluster's peer identity type.
package node

import "fmt"

// Node is the immutable identity of a cluster peer: a triple of id, host
// and port. Two nodes are equal iff all three fields match.
type Node struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Equal reports whether n and other identify the same peer.
func (n Node) Equal(other Node) bool {
	return n.ID == other.ID && n.Host == other.Host && n.Port == other.Port
}

// Addr returns the host:port pair used to dial this node.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Addr())
}
