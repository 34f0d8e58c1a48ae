package consensus

import hraft "github.com/hashicorp/raft"

// VoteRequest is sent by candidates to gather votes.
type VoteRequest struct {
	Term         uint64         `json:"term"`
	CandidateID  hraft.ServerID `json:"candidate_id"`
	LastLogIndex uint64         `json:"last_log_index"`
	LastLogTerm  uint64         `json:"last_log_term"`
}

// VoteReply carries the voter's term and whether it granted the vote.
type VoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest replicates entries; it is a heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64              `json:"term"`
	LeaderID     hraft.ServerID      `json:"leader_id"`
	LeaderAddr   hraft.ServerAddress `json:"leader_addr"`
	PrevLogIndex uint64              `json:"prev_log_index"`
	PrevLogTerm  uint64              `json:"prev_log_term"`
	Entries      []*hraft.Log        `json:"entries,omitempty"`
	LeaderCommit uint64              `json:"leader_commit"`
}

// AppendEntriesReply reports the follower's last log index so a rejected
// leader can back up nextIndex in one step.
type AppendEntriesReply struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"last_log_index"`
}

// InstallSnapshotRequest carries a full snapshot to a follower whose next
// entry has been compacted away on the leader.
type InstallSnapshotRequest struct {
	Term               uint64              `json:"term"`
	LeaderID           hraft.ServerID      `json:"leader_id"`
	LeaderAddr         hraft.ServerAddress `json:"leader_addr"`
	LastIncludedIndex  uint64              `json:"last_included_index"`
	LastIncludedTerm   uint64              `json:"last_included_term"`
	Configuration      hraft.Configuration `json:"configuration"`
	ConfigurationIndex uint64              `json:"configuration_index"`
	Data               []byte              `json:"data"`
}

// InstallSnapshotReply returns the follower's term so a stale leader steps down.
type InstallSnapshotReply struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}
