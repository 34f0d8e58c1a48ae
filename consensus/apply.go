package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"
	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

type applyResult struct {
	value interface{}
	err   error
}

// future is the completion signal of one proposal. The channel is buffered
// so the applier never blocks on a caller that already gave up.
type future struct {
	index uint64
	term  uint64
	start time.Time
	ch    chan applyResult
}

func (f *future) respond(v interface{}, err error) {
	select {
	case f.ch <- applyResult{value: v, err: err}:
	default:
	}
}

func (r *Raft) failFuturesLocked(err error) {
	for idx, f := range r.futures {
		f.respond(nil, err)
		delete(r.futures, idx)
	}
}

// Apply replicates data as a command entry and returns what the FSM's Apply
// returned for it. Only the leader accepts proposals.
func (r *Raft) Apply(ctx context.Context, data []byte) (interface{}, error) {
	r.mu.Lock()
	f, err := r.proposeLocked(hraft.LogCommand, data)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.wait(ctx, f)
}

// AddVoter adds id at addr to the voter set, or updates its address.
func (r *Raft) AddVoter(ctx context.Context, id hraft.ServerID, addr hraft.ServerAddress) error {
	return r.changeMembership(ctx, func(c *hraft.Configuration) {
		for i, s := range c.Servers {
			if s.ID == id {
				c.Servers[i].Address = addr
				c.Servers[i].Suffrage = hraft.Voter
				return
			}
		}
		c.Servers = append(c.Servers, hraft.Server{Suffrage: hraft.Voter, ID: id, Address: addr})
	})
}

// RemoveServer removes id from the membership.
func (r *Raft) RemoveServer(ctx context.Context, id hraft.ServerID) error {
	return r.changeMembership(ctx, func(c *hraft.Configuration) {
		servers := c.Servers[:0]
		for _, s := range c.Servers {
			if s.ID != id {
				servers = append(servers, s)
			}
		}
		c.Servers = servers
	})
}

func (r *Raft) changeMembership(ctx context.Context, mutate func(*hraft.Configuration)) error {
	r.mu.Lock()
	if r.state != hraft.Leader {
		err := r.notLeaderLocked()
		r.mu.Unlock()
		return err
	}
	if r.latestIndex != r.membershipIndex {
		r.mu.Unlock()
		return ErrConfigChangePending
	}
	conf := r.latest.Clone()
	mutate(&conf)
	f, err := r.proposeLocked(hraft.LogConfiguration, hraft.EncodeConfiguration(conf))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = r.wait(ctx, f)
	return err
}

func (r *Raft) proposeLocked(typ hraft.LogType, data []byte) (*future, error) {
	if r.state != hraft.Leader {
		return nil, r.notLeaderLocked()
	}
	entry := &hraft.Log{
		Index:      r.lastIndex + 1,
		Term:       r.currentTerm,
		Type:       typ,
		Data:       data,
		AppendedAt: time.Now(),
	}
	if err := r.logs.StoreLog(entry); err != nil {
		return nil, fmt.Errorf("store entry %d: %w", entry.Index, err)
	}
	r.lastIndex, r.lastTerm = entry.Index, entry.Term
	if typ == hraft.LogConfiguration {
		// The new voters count from the moment the entry is in the log,
		// including for committing the entry itself.
		r.latest, r.latestIndex = hraft.DecodeConfiguration(data), entry.Index
		r.reconcileReplicatorsLocked()
	}

	f := &future{
		index: entry.Index,
		term:  entry.Term,
		start: time.Now(),
		ch:    make(chan applyResult, 1),
	}
	r.futures[entry.Index] = f

	r.advanceCommitLocked()
	r.notifyReplicatorsLocked()
	return f, nil
}

func (r *Raft) wait(ctx context.Context, f *future) (interface{}, error) {
	select {
	case res := <-f.ch:
		if res.err == nil {
			metrics.MeasureSince([]string{"metasrv", "raft", "commit_time"}, f.start)
		}
		return res.value, res.err
	case <-ctx.Done():
		// The entry may still commit; only the waiter is released.
		r.mu.Lock()
		if r.futures[f.index] == f {
			delete(r.futures, f.index)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrApplyTimeout, ctx.Err())
	case <-r.shutdownCh:
		return nil, ErrShutdown
	}
}

func (r *Raft) runApplier() {
	defer r.wg.Done()
	for {
		select {
		case <-r.shutdownCh:
			return
		case <-r.applyCh:
			r.applyCommitted()
		}
	}
}

// applyCommitted feeds committed entries to the FSM in index order.
func (r *Raft) applyCommitted() {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	for {
		r.mu.Lock()
		if r.lastApplied >= r.commitIndex || r.state == hraft.Shutdown {
			r.mu.Unlock()
			break
		}
		hi := r.commitIndex
		if limit := r.lastApplied + uint64(r.conf.MaxAppendEntries); hi > limit {
			hi = limit
		}
		entries, err := r.entriesLocked(r.lastApplied+1, hi)
		r.mu.Unlock()
		if err != nil {
			r.logger.WithError(err).Error("failed to load committed entries")
			return
		}

		for _, e := range entries {
			var res interface{}
			if e.Type == hraft.LogCommand {
				res = r.fsm.Apply(e)
			}
			r.mu.Lock()
			r.lastApplied = e.Index
			if f, ok := r.futures[e.Index]; ok {
				delete(r.futures, e.Index)
				if f.term == e.Term {
					f.respond(res, nil)
				} else {
					f.respond(nil, ErrLeadershipLost)
				}
			}
			if e.Type == hraft.LogConfiguration {
				r.applyMembershipLocked(e)
			}
			r.mu.Unlock()
			metrics.IncrCounter([]string{"metasrv", "raft", "apply"}, 1)
		}
	}

	r.maybeSnapshot()
}

// applyMembershipLocked advances the applied configuration. Entries at or
// below the current one are skipped, so replay after a restart never moves
// it backwards.
func (r *Raft) applyMembershipLocked(e *hraft.Log) {
	if e.Index <= r.membershipIndex {
		return
	}
	r.membership = hraft.DecodeConfiguration(e.Data)
	r.membershipIndex = e.Index
	if r.latestIndex < e.Index {
		r.latest, r.latestIndex = r.membership, e.Index
	}
	r.logger.WithFields(logrus.Fields{
		"index":   e.Index,
		"servers": len(r.membership.Servers),
	}).Info("membership changed")

	if r.state != hraft.Leader {
		return
	}
	if !hasVoter(r.membership, r.conf.LocalID) && !hasVoter(r.latest, r.conf.LocalID) {
		if err := r.stepDownLocked(r.currentTerm); err != nil {
			r.logger.WithError(err).Error("failed to step down after removal")
		}
		return
	}
	r.reconcileReplicatorsLocked()
}

// maybeSnapshot snapshots once enough entries were applied. applyMu must be held.
func (r *Raft) maybeSnapshot() {
	if r.conf.SnapshotThreshold == 0 {
		return
	}
	r.mu.Lock()
	due := r.lastApplied-r.snapshotIndex >= r.conf.SnapshotThreshold
	r.mu.Unlock()
	if !due {
		return
	}
	if err := r.takeSnapshot(); err != nil && !errors.Is(err, ErrNothingNewToSnapshot) {
		r.logger.WithError(err).Error("automatic snapshot failed")
	}
}
