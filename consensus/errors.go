package consensus

import (
	"errors"
	"fmt"

	hraft "github.com/hashicorp/raft"
)

var (
	// ErrShutdown is returned when the engine has been shut down.
	ErrShutdown = errors.New("raft: shutdown")

	// ErrLeadershipLost is returned when leadership was lost before a
	// proposal was applied. The proposal may or may not commit later.
	ErrLeadershipLost = errors.New("raft: leadership lost while committing log")

	// ErrApplyTimeout wraps the context error of a proposal whose caller gave up.
	ErrApplyTimeout = errors.New("raft: timed out waiting for apply")

	// ErrCantBootstrap is returned by Bootstrap on a node with existing state.
	ErrCantBootstrap = errors.New("raft: bootstrap only works on new clusters")

	// ErrConfigChangePending is returned when a membership change is already in flight.
	ErrConfigChangePending = errors.New("raft: membership change in progress")

	// ErrNothingNewToSnapshot is returned when nothing was applied since the last snapshot.
	ErrNothingNewToSnapshot = errors.New("raft: nothing new to snapshot")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError is returned by operations that need the leader.
// LeaderID and LeaderAddr are empty when no leader is known.
type NotLeaderError struct {
	LeaderID   hraft.ServerID
	LeaderAddr hraft.ServerAddress
	Term       uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderAddr == "" {
		return fmt.Sprintf("raft: not the leader, leader unknown (term %d)", e.Term)
	}
	return fmt.Sprintf("raft: not the leader, leader is %s at %s (term %d)", e.LeaderID, e.LeaderAddr, e.Term)
}
