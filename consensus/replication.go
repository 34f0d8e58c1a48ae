package consensus

import (
	"context"
	"time"

	"github.com/hashicorp/go-metrics"
	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

// replicator pushes entries and heartbeats to one follower while this node leads.
type replicator struct {
	peer     hraft.Server
	term     uint64
	notifyCh chan struct{}
	stopCh   chan struct{}
}

func (rep *replicator) notify() {
	select {
	case rep.notifyCh <- struct{}{}:
	default:
	}
}

// reconcileReplicatorsLocked starts a replicator for every voter of the
// applied or latest configuration and stops those whose peer left both.
func (r *Raft) reconcileReplicatorsLocked() {
	if r.state != hraft.Leader {
		return
	}
	want := make(map[hraft.ServerID]hraft.Server)
	for _, s := range r.votersLocked() {
		if s.ID != r.conf.LocalID {
			want[s.ID] = s
		}
	}
	for id, rep := range r.replicators {
		if s, ok := want[id]; !ok || s.Address != rep.peer.Address {
			close(rep.stopCh)
			delete(r.replicators, id)
			delete(r.nextIndex, id)
			delete(r.matchIndex, id)
		}
	}
	for id, s := range want {
		if _, ok := r.replicators[id]; ok {
			continue
		}
		rep := &replicator{
			peer:     s,
			term:     r.currentTerm,
			notifyCh: make(chan struct{}, 1),
			stopCh:   make(chan struct{}),
		}
		r.replicators[id] = rep
		r.nextIndex[id] = r.lastIndex + 1
		r.matchIndex[id] = 0

		r.wg.Add(1)
		go r.runReplicator(rep)
	}
}

func (r *Raft) stopReplicatorsLocked() {
	for id, rep := range r.replicators {
		close(rep.stopCh)
		delete(r.replicators, id)
	}
}

func (r *Raft) notifyReplicatorsLocked() {
	for _, rep := range r.replicators {
		rep.notify()
	}
}

func (r *Raft) runReplicator(rep *replicator) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.conf.HeartbeatInterval)
	defer ticker.Stop()

	more := r.replicateTo(rep)
	for {
		if more {
			rep.notify()
		}
		select {
		case <-rep.stopCh:
			return
		case <-r.shutdownCh:
			return
		case <-ticker.C:
		case <-rep.notifyCh:
		}
		more = r.replicateTo(rep)
	}
}

// replicateTo sends one AppendEntries (or a snapshot) to rep's peer and
// reports whether more entries are waiting to be sent.
func (r *Raft) replicateTo(rep *replicator) bool {
	r.mu.Lock()
	if r.state != hraft.Leader || r.currentTerm != rep.term {
		r.mu.Unlock()
		return false
	}
	id := rep.peer.ID
	next := r.nextIndex[id]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, ok := r.termAtLocked(prevIndex)
	if !ok {
		r.mu.Unlock()
		return r.sendSnapshot(rep)
	}
	hi := r.lastIndex
	if limit := next + uint64(r.conf.MaxAppendEntries) - 1; hi > limit {
		hi = limit
	}
	entries, err := r.entriesLocked(next, hi)
	if err != nil {
		r.mu.Unlock()
		return r.sendSnapshot(rep)
	}
	req := &AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.conf.LocalID,
		LeaderAddr:   r.conf.LocalAddr,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.conf.rpcTimeout())
	defer cancel()
	reply, err := r.trans.AppendEntries(ctx, rep.peer.Address, req)
	if err != nil {
		r.logger.WithError(err).WithField("peer", id).Debug("append entries failed")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reply.Term > r.currentTerm {
		if err := r.stepDownLocked(reply.Term); err != nil {
			r.logger.WithError(err).Error("failed to persist term")
		}
		return false
	}
	if r.state != hraft.Leader || r.currentTerm != rep.term {
		return false
	}

	if reply.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > r.matchIndex[id] {
			r.matchIndex[id] = match
		}
		r.nextIndex[id] = r.matchIndex[id] + 1
		r.advanceCommitLocked()
		return r.nextIndex[id] <= r.lastIndex
	}

	// Log mismatch: back up, jumping straight past the follower's log end.
	next = req.PrevLogIndex
	if reply.LastLogIndex+1 < next {
		next = reply.LastLogIndex + 1
	}
	if next < 1 {
		next = 1
	}
	r.nextIndex[id] = next
	r.logger.WithFields(logrus.Fields{
		"peer":       id,
		"next_index": next,
	}).Debug("append rejected, backing off")
	return true
}

// advanceCommitLocked commits the highest current-term index stored on a
// majority of voters.
func (r *Raft) advanceCommitLocked() {
	if r.state != hraft.Leader {
		return
	}
	for idx := r.lastIndex; idx > r.commitIndex; idx-- {
		term, ok := r.termAtLocked(idx)
		if !ok || term != r.currentTerm {
			// Terms only decrease from here on.
			return
		}
		stored := func(id hraft.ServerID) bool {
			return id == r.conf.LocalID || r.matchIndex[id] >= idx
		}
		if r.quorumLocked(stored) {
			r.commitIndex = idx
			r.signalApplyLocked()
			return
		}
	}
}

// AppendEntries handles an AppendEntries RPC from a leader.
func (r *Raft) AppendEntries(req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == hraft.Shutdown {
		return nil, ErrShutdown
	}
	metrics.IncrCounter([]string{"metasrv", "raft", "rpc", "append_entries"}, 1)

	reply := &AppendEntriesReply{Term: r.currentTerm, LastLogIndex: r.lastIndex}
	if req.Term < r.currentTerm {
		return reply, nil
	}
	if req.Term > r.currentTerm || r.state != hraft.Follower {
		if err := r.stepDownLocked(req.Term); err != nil {
			return nil, err
		}
		reply.Term = r.currentTerm
	}
	r.leaderID, r.leaderAddr = req.LeaderID, req.LeaderAddr
	r.resetElectionTimerLocked()

	if req.PrevLogIndex > r.lastIndex {
		return reply, nil
	}
	if req.PrevLogIndex > r.snapshotIndex {
		prevTerm, ok := r.termAtLocked(req.PrevLogIndex)
		if !ok || prevTerm != req.PrevLogTerm {
			reply.LastLogIndex = req.PrevLogIndex - 1
			return reply, nil
		}
	}

	var newEntries []*hraft.Log
	for i, e := range req.Entries {
		if e.Index <= r.snapshotIndex {
			continue
		}
		if e.Index > r.lastIndex {
			newEntries = req.Entries[i:]
			break
		}
		t, ok := r.termAtLocked(e.Index)
		if ok && t == e.Term {
			continue
		}
		if e.Index <= r.commitIndex {
			r.logger.WithFields(logrus.Fields{
				"index":  e.Index,
				"term":   e.Term,
				"commit": r.commitIndex,
			}).Error("leader sent an entry conflicting with a committed entry")
			return reply, nil
		}
		if err := r.truncateFromLocked(e.Index); err != nil {
			return nil, err
		}
		newEntries = req.Entries[i:]
		break
	}

	if len(newEntries) > 0 {
		if err := r.logs.StoreLogs(newEntries); err != nil {
			return nil, err
		}
		last := newEntries[len(newEntries)-1]
		r.lastIndex, r.lastTerm = last.Index, last.Term
		for _, e := range newEntries {
			if e.Type == hraft.LogConfiguration {
				r.latest = hraft.DecodeConfiguration(e.Data)
				r.latestIndex = e.Index
			}
		}
	}

	if req.LeaderCommit > r.commitIndex {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		commit := req.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		if commit > r.commitIndex {
			r.commitIndex = commit
			r.signalApplyLocked()
		}
	}

	reply.Success = true
	reply.LastLogIndex = r.lastIndex
	return reply, nil
}

// truncateFromLocked removes every entry at or after idx.
func (r *Raft) truncateFromLocked(idx uint64) error {
	if err := r.logs.DeleteRange(idx, r.lastIndex); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"from": idx,
		"to":   r.lastIndex,
	}).Info("truncated conflicting entries")

	r.lastIndex = idx - 1
	if t, ok := r.termAtLocked(r.lastIndex); ok {
		r.lastTerm = t
	}
	if r.latestIndex >= idx {
		return r.reloadLatestLocked()
	}
	return nil
}
