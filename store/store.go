package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"metasrv/consensus"
	"metasrv/types"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const (
	retainSnapshotCount = 2
	raftTimeout         = 10 * time.Second
)

// Forwarder sends a request to another node, normally the leader.
type Forwarder interface {
	Forward(ctx context.Context, addr string, req *types.ForwardRequest) (*types.ForwardResponse, error)
}

// Store is a metadata node: it owns a consensus engine and the state
// machine it drives, and routes requests to the leader.
type Store struct {
	raftDir  string
	raftAddr string
	inmem    bool

	// RaftConfig holds the consensus tunables; LocalID and LocalAddr are
	// filled in by Open.
	RaftConfig *consensus.Config

	// ApplyTimeout bounds how long a write waits for its entry to apply.
	ApplyTimeout time.Duration

	raft    *consensus.Raft
	sm      *StateMachine
	fwd     Forwarder
	logger  *logrus.Entry
	closers []io.Closer
}

func New(raftDir string, raftAddr string, inmem bool) *Store {
	return &Store{
		raftDir:      raftDir,
		inmem:        inmem,
		raftAddr:     raftAddr,
		RaftConfig:   consensus.DefaultConfig(),
		ApplyTimeout: raftTimeout,
		sm:           NewStateMachine(),
		logger:       logrus.WithField("component", "store"),
	}
}

// Open creates the consensus engine over in-memory or bolt backed storage and
// starts it. trans reaches peers for consensus traffic, fwd for forwarded
// requests. With enableSingle a pristine node bootstraps a one-node cluster.
func (s *Store) Open(enableSingle bool, localID string, trans consensus.Transport, fwd Forwarder) error {
	conf := *s.RaftConfig
	conf.LocalID = raft.ServerID(localID)
	conf.LocalAddr = raft.ServerAddress(s.raftAddr)
	s.logger = s.logger.WithField("node", localID)
	s.fwd = fwd

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
	)
	if s.inmem {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshots = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(s.raftDir, 0o755); err != nil {
			return fmt.Errorf("create raft dir: %s", err)
		}

		w := logrus.StandardLogger().WriterLevel(logrus.InfoLevel)
		s.closers = append(s.closers, w)
		snapshot, err := raft.NewFileSnapshotStoreWithLogger(s.raftDir, retainSnapshotCount, hclog.New(&hclog.LoggerOptions{
			Name:   "snapshot",
			Output: w,
			Level:  hclog.Info,
		}))
		if err != nil {
			return fmt.Errorf("file snapshot store: %s", err)
		}
		snapshots = snapshot

		boltDB, err := raftboltdb.New(raftboltdb.Options{
			Path:        filepath.Join(s.raftDir, "raft.db"),
			BoltOptions: &bbolt.Options{Timeout: time.Second},
		})
		if err != nil {
			return fmt.Errorf("new bbolt store: %s", err)
		}
		s.closers = append(s.closers, boltDB)
		logStore = boltDB
		stableStore = boltDB
	}

	ra, err := consensus.New(conf, s.sm, logStore, stableStore, snapshots, trans, logrus.WithField("component", "raft"))
	if err != nil {
		return fmt.Errorf("new raft: %s", err)
	}
	s.raft = ra

	if enableSingle {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					Suffrage: raft.Voter,
					ID:       conf.LocalID,
					Address:  conf.LocalAddr,
				},
			},
		}
		if err := ra.Bootstrap(configuration); err != nil && !errors.Is(err, consensus.ErrCantBootstrap) {
			return fmt.Errorf("bootstrap: %s", err)
		}
	}

	ra.Start()
	return nil
}

// Raft exposes the engine so the RPC layer can dispatch consensus messages.
func (s *Store) Raft() *consensus.Raft {
	return s.raft
}

// StateMachine exposes the local state machine for reads.
func (s *Store) StateMachine() *StateMachine {
	return s.sm
}

// Close stops the engine and releases storage.
func (s *Store) Close() error {
	if s.raft != nil {
		s.raft.Shutdown()
	}
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Get reads key from the local state machine. Missing keys are not an error.
func (s *Store) Get(key string) (string, bool) {
	v := s.sm.GetKV(key)
	if v == nil {
		return "", false
	}
	return v.Value, true
}

// Write applies cmd on the leader, forwarding it once if this node is not the leader.
func (s *Store) Write(ctx context.Context, cmd *types.Cmd) (*types.AppliedState, error) {
	resp, err := s.HandleForwardableRequest(ctx, &types.ForwardRequest{
		ForwardToLeader: 1,
		Body:            &types.WriteBody{Cmd: *cmd},
	})
	if err != nil {
		return nil, err
	}
	return resp.AppliedState, nil
}

// Join joins a node, identified by nodeID and located at addr, to the cluster.
// The node must be ready to respond to Raft communications at that address.
func (s *Store) Join(ctx context.Context, nodeID, addr string) error {
	_, err := s.HandleForwardableRequest(ctx, &types.ForwardRequest{
		ForwardToLeader: 1,
		Body:            &types.JoinBody{NodeID: nodeID, Address: addr},
	})
	return err
}

// HandleForwardableRequest executes req here when possible. Bodies that need
// the leader are forwarded to it while the hop budget lasts; everything else
// is served from local state.
func (s *Store) HandleForwardableRequest(ctx context.Context, req *types.ForwardRequest) (*types.ForwardResponse, error) {
	if req == nil || req.Body == nil {
		return nil, types.NewProtocolError(types.CodeBadEnvelope, "forward request without body")
	}
	if !req.Body.RequiresLeader() {
		return s.handleLocal(ctx, req.Body)
	}

	if s.raft.State() == raft.Leader {
		resp, err := s.handleLocal(ctx, req.Body)
		// Leadership may be lost between the check and the proposal.
		if !isNotLeader(err) {
			return resp, err
		}
	}

	if req.ForwardToLeader == 0 {
		return nil, &types.MetaError{
			Kind:    types.KindForward,
			Code:    types.CodeForwardLoop,
			Message: fmt.Sprintf("%s request: forward budget exhausted", req.Body.Kind()),
		}
	}
	leaderAddr, leaderID := s.raft.LeaderWithID()
	if leaderAddr == "" || string(leaderAddr) == s.raftAddr {
		return nil, &types.MetaError{
			Kind:    types.KindForward,
			Code:    types.CodeNoLeader,
			Message: "not the leader and no leader is known",
			Term:    s.raft.Term(),
		}
	}

	s.logger.WithFields(logrus.Fields{
		"kind":   req.Body.Kind(),
		"leader": leaderID,
		"hops":   req.ForwardToLeader,
	}).Debug("forwarding request to leader")
	metrics.IncrCounter([]string{"metasrv", "node", "forward"}, 1)

	fctx := ctx
	if s.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.ApplyTimeout)
		defer cancel()
	}
	resp, err := s.fwd.Forward(fctx, string(leaderAddr), req.Decremented())
	if err != nil && ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return nil, &types.MetaError{
			Kind:     types.KindForward,
			Code:     types.CodeTimeout,
			Message:  fmt.Sprintf("leader %s did not answer within %s", leaderID, s.ApplyTimeout),
			LeaderID: string(leaderID),
			Term:     s.raft.Term(),
		}
	}
	return resp, err
}

func (s *Store) handleLocal(ctx context.Context, body types.ForwardRequestBody) (*types.ForwardResponse, error) {
	switch b := body.(type) {
	case *types.WriteBody:
		st, err := s.apply(ctx, &b.Cmd)
		if err != nil {
			return nil, err
		}
		return &types.ForwardResponse{AppliedState: st}, nil
	case *types.JoinBody:
		if err := s.join(ctx, b.NodeID, b.Address); err != nil {
			return nil, err
		}
		return &types.ForwardResponse{Joined: true}, nil
	case *types.PingBody:
		return &types.ForwardResponse{Pong: true}, nil
	case *types.GetKVBody:
		return &types.ForwardResponse{KV: s.sm.GetKV(b.Key)}, nil
	case *types.MGetKVBody:
		return &types.ForwardResponse{KVs: s.sm.MGetKV(b.Keys)}, nil
	case *types.ListKVBody:
		return &types.ForwardResponse{List: s.sm.ListKV(b.Prefix)}, nil
	case *types.GetDatabaseBody:
		db, err := s.sm.GetDatabase(b.Name)
		if err != nil {
			return nil, err
		}
		return &types.ForwardResponse{Database: db}, nil
	case *types.ListDatabasesBody:
		return &types.ForwardResponse{Databases: s.sm.ListDatabases()}, nil
	case *types.GetTableBody:
		tbl, err := s.sm.GetTable(b.Database, b.Table)
		if err != nil {
			return nil, err
		}
		return &types.ForwardResponse{Table: tbl}, nil
	case *types.ListTablesBody:
		tbls, err := s.sm.ListTables(b.Database)
		if err != nil {
			return nil, err
		}
		return &types.ForwardResponse{Tables: tbls}, nil
	}
	return nil, types.NewProtocolError(types.CodeBadEnvelope, fmt.Sprintf("unsupported request %s", body.Kind()))
}

// apply proposes cmd and waits for the state machine's result.
func (s *Store) apply(ctx context.Context, cmd *types.Cmd) (*types.AppliedState, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	b, err := encodeCommand(cmd)
	if err != nil {
		return nil, types.NewInternalError(fmt.Sprintf("encode command: %s", err))
	}

	if s.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ApplyTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.raft.Apply(ctx, b)
	if err != nil {
		return nil, toMetaError(err)
	}
	metrics.MeasureSince([]string{"metasrv", "node", "write"}, start)

	switch v := res.(type) {
	case *types.AppliedState:
		return v, nil
	case *types.MetaError:
		return nil, v
	}
	return nil, types.NewInternalError(fmt.Sprintf("unexpected apply result %T", res))
}

func (s *Store) join(ctx context.Context, nodeID, addr string) error {
	logrus.Infof("received join request for remote node %s at %s", nodeID, addr)

	for _, srv := range s.raft.Membership().Servers {
		// If a node already exists with either the joining node's ID or address,
		// that node may need to be removed from the config first.
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(addr) {
			// However if *both* the ID and the address are the same, then nothing -- not even
			// a join operation -- is needed.
			if srv.Address == raft.ServerAddress(addr) && srv.ID == raft.ServerID(nodeID) {
				logrus.Infof("node %s at %s already member of cluster, ignoring join request", nodeID, addr)
				return nil
			}

			if err := s.raft.RemoveServer(ctx, srv.ID); err != nil {
				return toMetaError(fmt.Errorf("error removing existing node %s at %s: %w", nodeID, addr, err))
			}
		}
	}

	if err := s.raft.AddVoter(ctx, raft.ServerID(nodeID), raft.ServerAddress(addr)); err != nil {
		return toMetaError(err)
	}
	logrus.Infof("node %s at %s joined successfully", nodeID, addr)
	return nil
}

func (s *Store) Status() (types.StoreStatus, error) {
	st := s.raft.Stats()
	leader := types.Node{
		ID:      string(st.LeaderID),
		Address: string(st.LeaderAddr),
	}

	followers := []types.Node{}
	me := types.Node{
		ID:      string(st.ID),
		Address: s.raftAddr,
	}

	for _, server := range st.Membership.Servers {
		if server.ID != st.LeaderID {
			followers = append(followers, types.Node{
				ID:      string(server.ID),
				Address: string(server.Address),
			})
		}
	}

	status := types.StoreStatus{
		Me:           me,
		Leader:       leader,
		Followers:    followers,
		State:        st.State.String(),
		Term:         st.Term,
		LastLogIndex: st.LastLogIndex,
		CommitIndex:  st.CommitIndex,
		AppliedIndex: st.AppliedIndex,
	}

	return status, nil
}
