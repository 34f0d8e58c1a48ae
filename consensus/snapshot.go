package consensus

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-metrics"
	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

// Snapshot captures the FSM at the last applied index and compacts the log.
func (r *Raft) Snapshot() error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return r.takeSnapshot()
}

// takeSnapshot requires applyMu, so the FSM matches lastApplied.
func (r *Raft) takeSnapshot() error {
	r.mu.Lock()
	idx := r.lastApplied
	if idx == 0 || idx <= r.snapshotIndex {
		r.mu.Unlock()
		return ErrNothingNewToSnapshot
	}
	term, ok := r.termAtLocked(idx)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("term of applied index %d is unknown", idx)
	}
	conf, confIndex := r.membership.Clone(), r.membershipIndex
	r.mu.Unlock()

	snap, err := r.fsm.Snapshot()
	if err != nil {
		return fmt.Errorf("fsm snapshot: %w", err)
	}
	defer snap.Release()

	sink, err := r.snaps.Create(hraft.SnapshotVersionMax, idx, term, conf, confIndex, peerEncoder{})
	if err != nil {
		return fmt.Errorf("create snapshot sink: %w", err)
	}
	if err := snap.Persist(sink); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx > r.snapshotIndex {
		r.snapshotIndex, r.snapshotTerm = idx, term
	}
	if err := r.compactLogLocked(); err != nil {
		return fmt.Errorf("compact log: %w", err)
	}
	metrics.IncrCounter([]string{"metasrv", "raft", "snapshot"}, 1)
	r.logger.WithFields(logrus.Fields{
		"index": idx,
		"term":  term,
	}).Info("snapshot complete")
	return nil
}

// compactLogLocked drops entries covered by the snapshot, keeping TrailingLogs.
func (r *Raft) compactLogLocked() error {
	if r.snapshotIndex <= r.conf.TrailingLogs {
		return nil
	}
	upto := r.snapshotIndex - r.conf.TrailingLogs
	first, err := r.logs.FirstIndex()
	if err != nil {
		return err
	}
	if first == 0 || first > upto {
		return nil
	}
	return r.logs.DeleteRange(first, upto)
}

// sendSnapshot ships the newest snapshot to a follower whose next entry was compacted.
func (r *Raft) sendSnapshot(rep *replicator) bool {
	metas, err := r.snaps.List()
	if err != nil || len(metas) == 0 {
		r.logger.WithError(err).WithField("peer", rep.peer.ID).Error("no snapshot to send")
		return false
	}
	meta, rc, err := r.snaps.Open(metas[0].ID)
	if err != nil {
		r.logger.WithError(err).Error("failed to open snapshot")
		return false
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		r.logger.WithError(err).Error("failed to read snapshot")
		return false
	}

	req := &InstallSnapshotRequest{
		Term:               rep.term,
		LeaderID:           r.conf.LocalID,
		LeaderAddr:         r.conf.LocalAddr,
		LastIncludedIndex:  meta.Index,
		LastIncludedTerm:   meta.Term,
		Configuration:      meta.Configuration,
		ConfigurationIndex: meta.ConfigurationIndex,
		Data:               data,
	}
	r.logger.WithFields(logrus.Fields{
		"peer":  rep.peer.ID,
		"index": meta.Index,
		"size":  len(data),
	}).Info("sending snapshot")

	ctx, cancel := context.WithTimeout(context.Background(), r.conf.rpcTimeout())
	defer cancel()
	reply, err := r.trans.InstallSnapshot(ctx, rep.peer.Address, req)
	if err != nil {
		r.logger.WithError(err).WithField("peer", rep.peer.ID).Warn("install snapshot failed")
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
	if r.state != hraft.Leader || r.currentTerm != rep.term || !reply.Success {
		return false
	}
	id := rep.peer.ID
	if meta.Index > r.matchIndex[id] {
		r.matchIndex[id] = meta.Index
	}
	r.nextIndex[id] = r.matchIndex[id] + 1
	r.advanceCommitLocked()
	return r.nextIndex[id] <= r.lastIndex
}

// InstallSnapshot handles an InstallSnapshot RPC. It replaces the FSM
// contents and the log prefix with the snapshot's, atomically with respect
// to the applier.
func (r *Raft) InstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == hraft.Shutdown {
		return nil, ErrShutdown
	}
	metrics.IncrCounter([]string{"metasrv", "raft", "rpc", "install_snapshot"}, 1)

	reply := &InstallSnapshotReply{Term: r.currentTerm}
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

	idx, term := req.LastIncludedIndex, req.LastIncludedTerm
	if idx <= r.snapshotIndex || idx <= r.lastApplied {
		reply.Success = true
		return reply, nil
	}

	sink, err := r.snaps.Create(hraft.SnapshotVersionMax, idx, term, req.Configuration, req.ConfigurationIndex, peerEncoder{})
	if err != nil {
		return nil, fmt.Errorf("create snapshot sink: %w", err)
	}
	if _, err := sink.Write(req.Data); err != nil {
		sink.Cancel()
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot: %w", err)
	}
	if err := r.fsm.Restore(io.NopCloser(bytes.NewReader(req.Data))); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}

	// Keep the suffix after the snapshot if our log agrees with it there,
	// otherwise the whole log is superseded.
	first, err := r.logs.FirstIndex()
	if err != nil {
		return nil, err
	}
	keepLatest := false
	if t, ok := r.termAtLocked(idx); ok && t == term && idx <= r.lastIndex {
		if first > 0 && first <= idx {
			if err := r.logs.DeleteRange(first, idx); err != nil {
				return nil, err
			}
		}
		keepLatest = r.latestIndex > idx
	} else {
		if first > 0 && r.lastIndex >= first {
			if err := r.logs.DeleteRange(first, r.lastIndex); err != nil {
				return nil, err
			}
		}
		r.lastIndex, r.lastTerm = idx, term
	}

	r.snapshotIndex, r.snapshotTerm = idx, term
	if idx > r.commitIndex {
		r.commitIndex = idx
	}
	r.lastApplied = idx
	if req.ConfigurationIndex >= r.membershipIndex {
		r.membership, r.membershipIndex = req.Configuration, req.ConfigurationIndex
	}
	if !keepLatest {
		r.latest, r.latestIndex = req.Configuration, req.ConfigurationIndex
	}

	r.logger.WithFields(logrus.Fields{
		"index": idx,
		"term":  term,
	}).Info("installed snapshot from leader")
	reply.Success = true
	return reply, nil
}
