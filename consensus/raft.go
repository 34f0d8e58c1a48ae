package consensus

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

// Keys in the stable store, shared with hashicorp/raft's layout.
var (
	keyCurrentTerm  = []byte("CurrentTerm")
	keyLastVoteTerm = []byte("LastVoteTerm")
	keyLastVoteCand = []byte("LastVoteCand")
)

// Raft is one member of a consensus group.
type Raft struct {
	conf   Config
	fsm    hraft.FSM
	logs   hraft.LogStore
	stable hraft.StableStore
	snaps  hraft.SnapshotStore
	trans  Transport
	logger *logrus.Entry

	mu sync.Mutex

	state       hraft.RaftState
	currentTerm uint64
	votedFor    hraft.ServerID
	leaderID    hraft.ServerID
	leaderAddr  hraft.ServerAddress

	lastIndex     uint64
	lastTerm      uint64
	snapshotIndex uint64
	snapshotTerm  uint64
	commitIndex   uint64
	lastApplied   uint64

	// membership is the newest applied configuration and only moves forward;
	// latest is the newest one in the log. Elections and commits need a
	// majority of the voters of both.
	membership       hraft.Configuration
	membershipIndex  uint64
	latest           hraft.Configuration
	latestIndex      uint64
	electionDeadline time.Time
	votes            map[hraft.ServerID]bool

	// Leader state, reset on every election win.
	nextIndex   map[hraft.ServerID]uint64
	matchIndex  map[hraft.ServerID]uint64
	replicators map[hraft.ServerID]*replicator
	futures     map[uint64]*future

	applyMu    sync.Mutex
	applyCh    chan struct{}
	shutdownCh chan struct{}
	started    bool
	wg         sync.WaitGroup
	rng        *rand.Rand
}

// New creates an engine and recovers its durable state. It does not start
// any goroutine; call Start.
func New(conf Config, fsm hraft.FSM, logs hraft.LogStore, stable hraft.StableStore,
	snaps hraft.SnapshotStore, trans Transport, logger *logrus.Entry) (*Raft, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	h := fnv.New64a()
	h.Write([]byte(conf.LocalID))

	r := &Raft{
		conf:        conf,
		fsm:         fsm,
		logs:        logs,
		stable:      stable,
		snaps:       snaps,
		trans:       trans,
		logger:      logger.WithField("node", conf.LocalID),
		state:       hraft.Follower,
		nextIndex:   make(map[hraft.ServerID]uint64),
		matchIndex:  make(map[hraft.ServerID]uint64),
		replicators: make(map[hraft.ServerID]*replicator),
		futures:     make(map[uint64]*future),
		applyCh:     make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64()))),
	}
	if err := r.recover(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Raft) recover() error {
	term, err := getUint64(r.stable, keyCurrentTerm)
	if err != nil {
		return fmt.Errorf("load current term: %w", err)
	}
	r.currentTerm = term

	voteTerm, err := getUint64(r.stable, keyLastVoteTerm)
	if err != nil {
		return fmt.Errorf("load last vote term: %w", err)
	}
	if voteTerm == term && term > 0 {
		cand, err := r.stable.Get(keyLastVoteCand)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("load last vote candidate: %w", err)
		}
		r.votedFor = hraft.ServerID(cand)
	}

	if err := r.restoreLatestSnapshot(); err != nil {
		return err
	}

	last, err := r.logs.LastIndex()
	if err != nil {
		return fmt.Errorf("load last index: %w", err)
	}
	r.lastIndex, r.lastTerm = r.snapshotIndex, r.snapshotTerm
	if last > 0 && last >= r.snapshotIndex {
		var l hraft.Log
		if err := r.logs.GetLog(last, &l); err != nil {
			return fmt.Errorf("load last entry %d: %w", last, err)
		}
		r.lastIndex, r.lastTerm = l.Index, l.Term
	}

	// The snapshot holds the last applied configuration; anything newer in
	// the log counts towards quorums straight away.
	if err := r.reloadLatestLocked(); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"term":           r.currentTerm,
		"last_index":     r.lastIndex,
		"snapshot_index": r.snapshotIndex,
		"voters":         len(r.latest.Servers),
	}).Info("recovered raft state")
	return nil
}

func (r *Raft) restoreLatestSnapshot() error {
	metas, err := r.snaps.List()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if len(metas) == 0 {
		return nil
	}
	meta, rc, err := r.snaps.Open(metas[0].ID)
	if err != nil {
		return fmt.Errorf("open snapshot %s: %w", metas[0].ID, err)
	}
	if err := r.fsm.Restore(rc); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", meta.ID, err)
	}
	r.snapshotIndex, r.snapshotTerm = meta.Index, meta.Term
	r.commitIndex, r.lastApplied = meta.Index, meta.Index
	r.membership, r.membershipIndex = meta.Configuration, meta.ConfigurationIndex
	return nil
}

// Bootstrap writes conf as the first log entry of a brand new cluster.
func (r *Raft) Bootstrap(conf hraft.Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentTerm > 0 || r.lastIndex > 0 || r.snapshotIndex > 0 {
		return ErrCantBootstrap
	}
	if len(conf.Servers) == 0 {
		return fmt.Errorf("%w: empty configuration", ErrInvalidConfig)
	}
	if err := r.stable.SetUint64(keyCurrentTerm, 1); err != nil {
		return fmt.Errorf("persist term: %w", err)
	}
	entry := &hraft.Log{
		Index: 1,
		Term:  1,
		Type:  hraft.LogConfiguration,
		Data:  hraft.EncodeConfiguration(conf),
	}
	if err := r.logs.StoreLog(entry); err != nil {
		return fmt.Errorf("store bootstrap entry: %w", err)
	}
	r.currentTerm = 1
	r.lastIndex, r.lastTerm = 1, 1
	r.membership, r.membershipIndex = conf, 1
	r.latest, r.latestIndex = conf, 1
	r.logger.WithField("servers", len(conf.Servers)).Info("bootstrapped cluster")
	return nil
}

// Start launches the election loop and the applier.
func (r *Raft) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.state == hraft.Shutdown {
		return
	}
	r.started = true
	r.resetElectionTimerLocked()

	r.wg.Add(2)
	go r.run()
	go r.runApplier()
	r.signalApplyLocked()
}

// Shutdown stops every goroutine and fails pending proposals.
func (r *Raft) Shutdown() {
	r.mu.Lock()
	if r.state == hraft.Shutdown {
		r.mu.Unlock()
		return
	}
	r.state = hraft.Shutdown
	r.stopReplicatorsLocked()
	r.failFuturesLocked(ErrShutdown)
	close(r.shutdownCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("raft shut down")
}

// State returns the current role.
func (r *Raft) State() hraft.RaftState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Term returns the current term.
func (r *Raft) Term() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// LeaderWithID returns the address and id of the known leader, or empty values.
func (r *Raft) LeaderWithID() (hraft.ServerAddress, hraft.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderAddr, r.leaderID
}

// Membership returns the newest applied configuration.
func (r *Raft) Membership() hraft.Configuration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membership.Clone()
}

// Stats is a consistent view of the engine state.
type Stats struct {
	ID            hraft.ServerID
	Address       hraft.ServerAddress
	State         hraft.RaftState
	Term          uint64
	LastLogIndex  uint64
	LastLogTerm   uint64
	CommitIndex   uint64
	AppliedIndex  uint64
	SnapshotIndex uint64
	LeaderID      hraft.ServerID
	LeaderAddr    hraft.ServerAddress
	Membership    hraft.Configuration
}

// Stats returns the engine state under one lock acquisition.
func (r *Raft) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ID:            r.conf.LocalID,
		Address:       r.conf.LocalAddr,
		State:         r.state,
		Term:          r.currentTerm,
		LastLogIndex:  r.lastIndex,
		LastLogTerm:   r.lastTerm,
		CommitIndex:   r.commitIndex,
		AppliedIndex:  r.lastApplied,
		SnapshotIndex: r.snapshotIndex,
		LeaderID:      r.leaderID,
		LeaderAddr:    r.leaderAddr,
		Membership:    r.membership.Clone(),
	}
}

func (r *Raft) notLeaderLocked() error {
	return &NotLeaderError{LeaderID: r.leaderID, LeaderAddr: r.leaderAddr, Term: r.currentTerm}
}

func votersOf(c hraft.Configuration) []hraft.Server {
	var out []hraft.Server
	for _, s := range c.Servers {
		if s.Suffrage == hraft.Voter {
			out = append(out, s)
		}
	}
	return out
}

func hasVoter(c hraft.Configuration, id hraft.ServerID) bool {
	for _, s := range votersOf(c) {
		if s.ID == id {
			return true
		}
	}
	return false
}

// votersLocked returns the voters of the applied and the latest
// configuration; the latest address wins for a server in both.
func (r *Raft) votersLocked() []hraft.Server {
	out := votersOf(r.latest)
	for _, s := range votersOf(r.membership) {
		if !hasVoter(r.latest, s.ID) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Raft) isVoterLocked(id hraft.ServerID) bool {
	return hasVoter(r.membership, id) || hasVoter(r.latest, id)
}

// quorumLocked reports whether the servers for which has returns true form a
// majority of the applied configuration and of the latest one. A
// configuration without voters, as before the bootstrap entry is applied,
// is not counted.
func (r *Raft) quorumLocked(has func(hraft.ServerID) bool) bool {
	counted := false
	for _, c := range []hraft.Configuration{r.membership, r.latest} {
		voters := votersOf(c)
		if len(voters) == 0 {
			continue
		}
		counted = true
		n := 0
		for _, s := range voters {
			if has(s.ID) {
				n++
			}
		}
		if n < len(voters)/2+1 {
			return false
		}
	}
	return counted
}

// reloadLatestLocked sets latest to the newest configuration in the log
// after the applied one, or to the applied one if there is none.
func (r *Raft) reloadLatestLocked() error {
	r.latest, r.latestIndex = r.membership, r.membershipIndex
	start := r.membershipIndex + 1
	if s := r.snapshotIndex + 1; s > start {
		start = s
	}
	for i := start; i <= r.lastIndex; i++ {
		var l hraft.Log
		if err := r.logs.GetLog(i, &l); err != nil {
			return fmt.Errorf("scan entry %d: %w", i, err)
		}
		if l.Type == hraft.LogConfiguration {
			r.latest, r.latestIndex = hraft.DecodeConfiguration(l.Data), l.Index
		}
	}
	return nil
}

// termAtLocked returns the term of the entry at idx, if it is still known.
func (r *Raft) termAtLocked(idx uint64) (uint64, bool) {
	switch {
	case idx == 0:
		return 0, true
	case idx == r.snapshotIndex:
		return r.snapshotTerm, true
	case idx > r.lastIndex:
		return 0, false
	}
	var l hraft.Log
	if err := r.logs.GetLog(idx, &l); err != nil {
		return 0, false
	}
	return l.Term, true
}

// entriesLocked loads the entries in [lo, hi].
func (r *Raft) entriesLocked(lo, hi uint64) ([]*hraft.Log, error) {
	if lo > hi {
		return nil, nil
	}
	out := make([]*hraft.Log, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		l := new(hraft.Log)
		if err := r.logs.GetLog(i, l); err != nil {
			return nil, fmt.Errorf("get log %d: %w", i, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *Raft) resetElectionTimerLocked() {
	d := r.conf.ElectionTimeout + time.Duration(r.rng.Int63n(int64(r.conf.ElectionTimeout)))
	r.electionDeadline = time.Now().Add(d)
}

func (r *Raft) signalApplyLocked() {
	select {
	case r.applyCh <- struct{}{}:
	default:
	}
}

func getUint64(s hraft.StableStore, key []byte) (uint64, error) {
	v, err := s.GetUint64(key)
	if err != nil && !isNotFound(err) {
		return 0, err
	}
	return v, nil
}

// isNotFound matches the missing-key error of both the bolt and the
// in-memory stable stores, which only agree on the message.
func isNotFound(err error) bool {
	return err != nil && (errors.Is(err, hraft.ErrLogNotFound) || err.Error() == "not found")
}

// peerEncoder lets snapshot stores encode the legacy peer list of a
// configuration; it is the only Transport method they call.
type peerEncoder struct{ hraft.Transport }

func (peerEncoder) EncodePeer(_ hraft.ServerID, addr hraft.ServerAddress) []byte {
	return []byte(addr)
}
