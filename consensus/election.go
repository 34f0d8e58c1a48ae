package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"
	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

// run drives election timeouts. Leaders ignore the timer.
func (r *Raft) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.conf.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Raft) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == hraft.Leader || r.state == hraft.Shutdown {
		return
	}
	if time.Now().Before(r.electionDeadline) {
		return
	}
	// Nodes outside the voter set wait to be added by a leader.
	if !r.isVoterLocked(r.conf.LocalID) {
		r.resetElectionTimerLocked()
		return
	}
	r.startElectionLocked()
}

func (r *Raft) startElectionLocked() {
	r.state = hraft.Candidate
	r.currentTerm++
	r.votedFor = r.conf.LocalID
	r.leaderID, r.leaderAddr = "", ""
	r.resetElectionTimerLocked()

	if err := r.persistVoteLocked(); err != nil {
		r.logger.WithError(err).Error("failed to persist candidate vote")
		r.state = hraft.Follower
		return
	}

	metrics.IncrCounter([]string{"metasrv", "raft", "election"}, 1)
	metrics.SetGauge([]string{"metasrv", "raft", "term"}, float32(r.currentTerm))
	r.logger.WithField("term", r.currentTerm).Info("election timeout, became candidate")

	r.votes = map[hraft.ServerID]bool{r.conf.LocalID: true}
	if r.quorumLocked(r.hasVoteLocked) {
		r.becomeLeaderLocked()
		return
	}

	req := &VoteRequest{
		Term:         r.currentTerm,
		CandidateID:  r.conf.LocalID,
		LastLogIndex: r.lastIndex,
		LastLogTerm:  r.lastTerm,
	}
	for _, peer := range r.votersLocked() {
		if peer.ID == r.conf.LocalID {
			continue
		}
		r.wg.Add(1)
		go r.requestVote(peer, req)
	}
}

func (r *Raft) requestVote(peer hraft.Server, req *VoteRequest) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.conf.rpcTimeout())
	defer cancel()

	reply, err := r.trans.Vote(ctx, peer.Address, req)
	if err != nil {
		r.logger.WithError(err).WithField("peer", peer.ID).Debug("vote request failed")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reply.Term > r.currentTerm {
		if err := r.stepDownLocked(reply.Term); err != nil {
			r.logger.WithError(err).Error("failed to persist term")
		}
		return
	}
	if r.state != hraft.Candidate || r.currentTerm != req.Term || !reply.VoteGranted {
		return
	}

	r.votes[peer.ID] = true
	if r.quorumLocked(r.hasVoteLocked) {
		r.becomeLeaderLocked()
	}
}

func (r *Raft) hasVoteLocked(id hraft.ServerID) bool {
	return r.votes[id]
}

// Vote handles a RequestVote RPC.
func (r *Raft) Vote(req *VoteRequest) (*VoteReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == hraft.Shutdown {
		return nil, ErrShutdown
	}
	metrics.IncrCounter([]string{"metasrv", "raft", "rpc", "vote"}, 1)

	reply := &VoteReply{Term: r.currentTerm}
	if req.Term < r.currentTerm {
		return reply, nil
	}
	if req.Term > r.currentTerm {
		if err := r.stepDownLocked(req.Term); err != nil {
			return nil, err
		}
		reply.Term = r.currentTerm
	}

	if r.votedFor != "" && r.votedFor != req.CandidateID {
		return reply, nil
	}
	if !r.logUpToDateLocked(req.LastLogTerm, req.LastLogIndex) {
		return reply, nil
	}

	prev := r.votedFor
	r.votedFor = req.CandidateID
	if err := r.persistVoteLocked(); err != nil {
		r.votedFor = prev
		return nil, err
	}
	r.resetElectionTimerLocked()
	reply.VoteGranted = true

	r.logger.WithFields(logrus.Fields{
		"term":      req.Term,
		"candidate": req.CandidateID,
	}).Debug("granted vote")
	return reply, nil
}

// logUpToDateLocked compares (lastTerm, lastIndex) lexicographically.
func (r *Raft) logUpToDateLocked(lastTerm, lastIndex uint64) bool {
	if lastTerm != r.lastTerm {
		return lastTerm > r.lastTerm
	}
	return lastIndex >= r.lastIndex
}

// stepDownLocked moves to follower, adopting term if it is newer.
func (r *Raft) stepDownLocked(term uint64) error {
	if term > r.currentTerm {
		if err := r.stable.SetUint64(keyCurrentTerm, term); err != nil {
			return fmt.Errorf("persist term %d: %w", term, err)
		}
		r.currentTerm = term
		r.votedFor = ""
		r.leaderID, r.leaderAddr = "", ""
		metrics.SetGauge([]string{"metasrv", "raft", "term"}, float32(term))
	}

	if r.state == hraft.Leader {
		r.logger.WithField("term", r.currentTerm).Info("stepping down")
		r.stopReplicatorsLocked()
		r.failFuturesLocked(ErrLeadershipLost)
		r.leaderID, r.leaderAddr = "", ""
	}
	if r.state != hraft.Shutdown {
		r.state = hraft.Follower
	}
	r.votes = nil
	r.resetElectionTimerLocked()
	return nil
}

func (r *Raft) becomeLeaderLocked() {
	r.state = hraft.Leader
	r.leaderID, r.leaderAddr = r.conf.LocalID, r.conf.LocalAddr
	r.votes = nil
	r.nextIndex = make(map[hraft.ServerID]uint64)
	r.matchIndex = make(map[hraft.ServerID]uint64)

	// A blank entry of the new term lets entries of earlier terms commit.
	noop := &hraft.Log{
		Index:      r.lastIndex + 1,
		Term:       r.currentTerm,
		Type:       hraft.LogNoop,
		AppendedAt: time.Now(),
	}
	if err := r.logs.StoreLog(noop); err != nil {
		r.logger.WithError(err).Error("failed to append leader entry")
		r.state = hraft.Follower
		r.leaderID, r.leaderAddr = "", ""
		r.resetElectionTimerLocked()
		return
	}
	r.lastIndex, r.lastTerm = noop.Index, noop.Term

	metrics.IncrCounter([]string{"metasrv", "raft", "leader"}, 1)
	r.logger.WithFields(logrus.Fields{
		"term":       r.currentTerm,
		"last_index": r.lastIndex,
	}).Info("became leader")

	r.reconcileReplicatorsLocked()
	r.advanceCommitLocked()
}

func (r *Raft) persistVoteLocked() error {
	if err := r.stable.SetUint64(keyCurrentTerm, r.currentTerm); err != nil {
		return fmt.Errorf("persist term: %w", err)
	}
	if err := r.stable.Set(keyLastVoteCand, []byte(r.votedFor)); err != nil {
		return fmt.Errorf("persist vote candidate: %w", err)
	}
	if err := r.stable.SetUint64(keyLastVoteTerm, r.currentTerm); err != nil {
		return fmt.Errorf("persist vote term: %w", err)
	}
	return nil
}
