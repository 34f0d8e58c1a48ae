// Package consensus implements the Raft consensus protocol used to replicate
// the metadata log.
//
// The engine contains no network code. Peers are reached through a Transport,
// and the engine serves incoming Vote, AppendEntries and InstallSnapshot
// requests through methods of the same names. Durable state lives behind the
// storage interfaces of github.com/hashicorp/raft:
//
//   - hraft.LogStore holds log entries
//   - hraft.StableStore holds the current term and the last vote
//   - hraft.SnapshotStore holds state machine snapshots
//   - hraft.FSM is the replicated state machine
//
// so the bolt backed stores of raft-boltdb and the in-memory stores of
// hashicorp/raft can be used interchangeably.
//
// All term, role, log and commit state is guarded by one mutex. Calls to the
// Transport are made without holding it. A second mutex serialises access to
// the FSM between the applier, snapshot creation and snapshot installation.
// Lock order is applyMu before mu.
//
// Membership changes are single-server changes carried by LogConfiguration
// entries. A configuration counts from the moment it is in the log, together
// with the last applied one: elections and commits need a majority of both.
// The applied configuration never moves backwards, including during replay
// after a restart.
package consensus
