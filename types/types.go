package types

import "context"

// Store is the interface the metadata node exposes to its front ends
// (the gRPC service and the admin HTTP API).
type Store interface {
	// Get returns the value for the given key from the local state machine.
	// It never fails on a missing key; ok reports whether the key exists.
	Get(key string) (value string, ok bool)

	// Write applies cmd through distributed consensus, forwarding to the
	// leader if this node is not the leader.
	Write(ctx context.Context, cmd *Cmd) (*AppliedState, error)

	// HandleForwardableRequest executes req locally or forwards it to the leader.
	HandleForwardableRequest(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error)

	// Join joins the node, identified by nodeID and reachable at addr, to the cluster.
	Join(ctx context.Context, nodeID string, addr string) error

	// Show who is me, the leader, and followers
	Status() (StoreStatus, error)
}

// StoreStatus is the Status a Store returns.
type StoreStatus struct {
	Me        Node   `json:"me"`
	Leader    Node   `json:"leader"`
	Followers []Node `json:"followers"`

	State        string `json:"state"`
	Term         uint64 `json:"term"`
	LastLogIndex uint64 `json:"last_log_index"`
	CommitIndex  uint64 `json:"commit_index"`
	AppliedIndex uint64 `json:"applied_index"`
}

// Node represents a node in the cluster.
type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}
