package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	hraft "github.com/hashicorp/raft"
)

// Transport delivers consensus RPCs to peers.
type Transport interface {
	Vote(ctx context.Context, target hraft.ServerAddress, req *VoteRequest) (*VoteReply, error)
	AppendEntries(ctx context.Context, target hraft.ServerAddress, req *AppendEntriesRequest) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, target hraft.ServerAddress, req *InstallSnapshotRequest) (*InstallSnapshotReply, error)
}

// ErrUnreachable is returned by the in-memory transport for partitioned or
// unknown peers.
var ErrUnreachable = errors.New("raft: peer unreachable")

// InmemNetwork connects engines in one process. Messages are copied through
// their JSON encoding, so nodes never share entries.
type InmemNetwork struct {
	mu    sync.RWMutex
	nodes map[hraft.ServerAddress]*Raft
	cut   map[hraft.ServerAddress]bool
}

func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		nodes: make(map[hraft.ServerAddress]*Raft),
		cut:   make(map[hraft.ServerAddress]bool),
	}
}

// Register makes r reachable at addr.
func (n *InmemNetwork) Register(addr hraft.ServerAddress, r *Raft) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[addr] = r
}

// Partition isolates addrs: they can talk neither to each other nor to anyone else.
func (n *InmemNetwork) Partition(addrs ...hraft.ServerAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range addrs {
		n.cut[a] = true
	}
}

// Heal removes every partition.
func (n *InmemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[hraft.ServerAddress]bool)
}

// Transport returns the transport used by the node at from.
func (n *InmemNetwork) Transport(from hraft.ServerAddress) Transport {
	return &inmemTransport{net: n, from: from}
}

func (n *InmemNetwork) route(from, to hraft.ServerAddress) (*Raft, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[from] || n.cut[to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	r, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return r, nil
}

type inmemTransport struct {
	net  *InmemNetwork
	from hraft.ServerAddress
}

func (t *inmemTransport) Vote(ctx context.Context, target hraft.ServerAddress, req *VoteRequest) (*VoteReply, error) {
	r, err := t.peer(ctx, target)
	if err != nil {
		return nil, err
	}
	var in VoteRequest
	if err := copyMessage(req, &in); err != nil {
		return nil, err
	}
	reply, err := r.Vote(&in)
	if err != nil {
		return nil, err
	}
	// The reply travels back over the same link.
	if _, err := t.peer(ctx, target); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *inmemTransport) AppendEntries(ctx context.Context, target hraft.ServerAddress, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	r, err := t.peer(ctx, target)
	if err != nil {
		return nil, err
	}
	var in AppendEntriesRequest
	if err := copyMessage(req, &in); err != nil {
		return nil, err
	}
	reply, err := r.AppendEntries(&in)
	if err != nil {
		return nil, err
	}
	if _, err := t.peer(ctx, target); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *inmemTransport) InstallSnapshot(ctx context.Context, target hraft.ServerAddress, req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	r, err := t.peer(ctx, target)
	if err != nil {
		return nil, err
	}
	var in InstallSnapshotRequest
	if err := copyMessage(req, &in); err != nil {
		return nil, err
	}
	reply, err := r.InstallSnapshot(&in)
	if err != nil {
		return nil, err
	}
	if _, err := t.peer(ctx, target); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *inmemTransport) peer(ctx context.Context, target hraft.ServerAddress) (*Raft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.net.route(t.from, target)
}

func copyMessage(in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
