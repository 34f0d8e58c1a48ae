package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"metasrv/types"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
)

// StateMachine is the replicated metadata namespace: versioned keys, named
// sequences and the database/table catalog. Apply is deterministic; it reads
// nothing but the entry and the current contents.
type StateMachine struct {
	mu sync.RWMutex

	// version is the last version stamped on a key and also hands out
	// catalog ids, so neither is ever reused.
	version   uint64
	kvs       map[string]types.SeqV
	seqs      map[string]uint64
	databases map[string]*types.DatabaseMeta
	tables    map[string]map[string]*types.TableMeta
}

func NewStateMachine() *StateMachine {
	sm := &StateMachine{}
	sm.reset(&smState{})
	return sm
}

// smState is the snapshot form of the state machine.
type smState struct {
	Version   uint64                                 `json:"version"`
	KVs       map[string]types.SeqV                  `json:"kvs"`
	Seqs      map[string]uint64                      `json:"seqs"`
	Databases map[string]*types.DatabaseMeta         `json:"databases"`
	Tables    map[string]map[string]*types.TableMeta `json:"tables"`
}

func (sm *StateMachine) reset(st *smState) {
	sm.version = st.Version
	sm.kvs = st.KVs
	sm.seqs = st.Seqs
	sm.databases = st.Databases
	sm.tables = st.Tables
	if sm.kvs == nil {
		sm.kvs = make(map[string]types.SeqV)
	}
	if sm.seqs == nil {
		sm.seqs = make(map[string]uint64)
	}
	if sm.databases == nil {
		sm.databases = make(map[string]*types.DatabaseMeta)
	}
	if sm.tables == nil {
		sm.tables = make(map[string]map[string]*types.TableMeta)
	}
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeCommand(c *types.Cmd) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(c); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeCommand(data []byte) (*types.Cmd, error) {
	var c types.Cmd
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Apply returns a *types.AppliedState on success and a *types.MetaError for
// domain failures such as a version conflict.
func (sm *StateMachine) Apply(l *raft.Log) any {
	c, err := decodeCommand(l.Data)
	if err != nil {
		return types.NewInternalError(fmt.Sprintf("failed to decode command at index %d: %s", l.Index, err))
	}
	if err := c.Validate(); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var (
		st   *types.AppliedState
		merr *types.MetaError
	)
	switch c.Op {
	case types.OpUpsertKV:
		st, merr = sm.upsertKV(c)
	case types.OpDeleteKV:
		st, merr = sm.deleteKV(c)
	case types.OpIncrSeq:
		sm.seqs[c.Key]++
		st = &types.AppliedState{Seq: sm.seqs[c.Key]}
	case types.OpCreateDatabase:
		st, merr = sm.createDatabase(c)
	case types.OpDropDatabase:
		st, merr = sm.dropDatabase(c)
	case types.OpCreateTable:
		st, merr = sm.createTable(c)
	case types.OpDropTable:
		st, merr = sm.dropTable(c)
	}
	if merr != nil {
		return merr
	}
	return st
}

func (sm *StateMachine) checkVersion(c *types.Cmd, cur uint64) *types.MetaError {
	if c.ExpectedVersion == nil || *c.ExpectedVersion == cur {
		return nil
	}
	return types.NewStateMachineError(types.CodeVersionConflict,
		fmt.Sprintf("key %q: expected version %d, current version %d", c.Key, *c.ExpectedVersion, cur))
}

func (sm *StateMachine) upsertKV(c *types.Cmd) (*types.AppliedState, *types.MetaError) {
	prev, ok := sm.kvs[c.Key]
	if err := sm.checkVersion(c, prev.Version); err != nil {
		return nil, err
	}
	sm.version++
	next := types.SeqV{Version: sm.version, Value: c.Value}
	sm.kvs[c.Key] = next

	st := &types.AppliedState{Result: &next}
	if ok {
		st.Prev = &prev
	}
	return st, nil
}

func (sm *StateMachine) deleteKV(c *types.Cmd) (*types.AppliedState, *types.MetaError) {
	prev, ok := sm.kvs[c.Key]
	if err := sm.checkVersion(c, prev.Version); err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewStateMachineError(types.CodeNotFound, fmt.Sprintf("key %q not found", c.Key))
	}
	delete(sm.kvs, c.Key)
	return &types.AppliedState{Prev: &prev}, nil
}

func (sm *StateMachine) createDatabase(c *types.Cmd) (*types.AppliedState, *types.MetaError) {
	if _, ok := sm.databases[c.Database]; ok {
		return nil, types.NewStateMachineError(types.CodeAlreadyExists, fmt.Sprintf("database %q already exists", c.Database))
	}
	sm.version++
	sm.databases[c.Database] = &types.DatabaseMeta{ID: sm.version, Name: c.Database}
	sm.tables[c.Database] = make(map[string]*types.TableMeta)
	return &types.AppliedState{ID: sm.version}, nil
}

func (sm *StateMachine) dropDatabase(c *types.Cmd) (*types.AppliedState, *types.MetaError) {
	db, ok := sm.databases[c.Database]
	if !ok {
		return nil, unknownDatabase(c.Database)
	}
	delete(sm.databases, c.Database)
	delete(sm.tables, c.Database)
	return &types.AppliedState{ID: db.ID}, nil
}

func (sm *StateMachine) createTable(c *types.Cmd) (*types.AppliedState, *types.MetaError) {
	db, ok := sm.databases[c.Database]
	if !ok {
		return nil, unknownDatabase(c.Database)
	}
	if _, ok := sm.tables[c.Database][c.Table]; ok {
		return nil, types.NewStateMachineError(types.CodeAlreadyExists,
			fmt.Sprintf("table %q already exists in database %q", c.Table, c.Database))
	}
	sm.version++
	sm.tables[c.Database][c.Table] = &types.TableMeta{
		ID:       sm.version,
		Database: c.Database,
		Name:     c.Table,
		Schema:   c.Schema,
		Engine:   c.Engine,
	}
	db.Tables = insertSorted(db.Tables, c.Table)
	return &types.AppliedState{ID: sm.version}, nil
}

func (sm *StateMachine) dropTable(c *types.Cmd) (*types.AppliedState, *types.MetaError) {
	db, ok := sm.databases[c.Database]
	if !ok {
		return nil, unknownDatabase(c.Database)
	}
	tbl, ok := sm.tables[c.Database][c.Table]
	if !ok {
		return nil, unknownTable(c.Database, c.Table)
	}
	delete(sm.tables[c.Database], c.Table)
	for i, name := range db.Tables {
		if name == c.Table {
			db.Tables = append(db.Tables[:i:i], db.Tables[i+1:]...)
			break
		}
	}
	return &types.AppliedState{ID: tbl.ID}, nil
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	out := make([]string, 0, len(names)+1)
	out = append(out, names[:i]...)
	out = append(out, name)
	return append(out, names[i:]...)
}

func unknownDatabase(name string) *types.MetaError {
	return types.NewStateMachineError(types.CodeNotFound, fmt.Sprintf("unknown database %q", name))
}

func unknownTable(db, table string) *types.MetaError {
	return types.NewStateMachineError(types.CodeNotFound, fmt.Sprintf("unknown table %q in database %q", table, db))
}

// GetKV returns the versioned value of key, or nil.
func (sm *StateMachine) GetKV(key string) *types.SeqV {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	v, ok := sm.kvs[key]
	if !ok {
		return nil
	}
	return &v
}

// MGetKV returns one entry per key, nil for missing keys.
func (sm *StateMachine) MGetKV(keys []string) []*types.SeqV {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*types.SeqV, len(keys))
	for i, k := range keys {
		if v, ok := sm.kvs[k]; ok {
			out[i] = &v
		}
	}
	return out
}

// ListKV returns the keys starting with prefix in key order.
func (sm *StateMachine) ListKV(prefix string) []types.KV {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []types.KV
	for k, v := range sm.kvs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, types.KV{Key: k, SeqV: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (sm *StateMachine) GetDatabase(name string) (*types.DatabaseMeta, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	db, ok := sm.databases[name]
	if !ok {
		return nil, unknownDatabase(name)
	}
	return copyDatabase(db), nil
}

func (sm *StateMachine) ListDatabases() []types.DatabaseMeta {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]types.DatabaseMeta, 0, len(sm.databases))
	for _, db := range sm.databases {
		out = append(out, *copyDatabase(db))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (sm *StateMachine) GetTable(database, table string) (*types.TableMeta, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if _, ok := sm.databases[database]; !ok {
		return nil, unknownDatabase(database)
	}
	tbl, ok := sm.tables[database][table]
	if !ok {
		return nil, unknownTable(database, table)
	}
	t := *tbl
	return &t, nil
}

func (sm *StateMachine) ListTables(database string) ([]types.TableMeta, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	db, ok := sm.databases[database]
	if !ok {
		return nil, unknownDatabase(database)
	}
	out := make([]types.TableMeta, 0, len(db.Tables))
	for _, name := range db.Tables {
		out = append(out, *sm.tables[database][name])
	}
	return out, nil
}

func copyDatabase(db *types.DatabaseMeta) *types.DatabaseMeta {
	c := *db
	c.Tables = append([]string(nil), db.Tables...)
	return &c
}

func (sm *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// Encoding under the read lock captures a consistent copy.
	b, err := json.Marshal(&smState{
		Version:   sm.version,
		KVs:       sm.kvs,
		Seqs:      sm.seqs,
		Databases: sm.databases,
		Tables:    sm.tables,
	})
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: b}, nil
}

// Restore replaces the whole contents with the snapshot's.
func (sm *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var st smState
	if err := json.NewDecoder(rc).Decode(&st); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.reset(&st)
	return nil
}

// fsmSnapshot holds a state image encoded under the state machine lock.
type fsmSnapshot struct {
	data []byte
}

// Persist writes the image and cancels the sink if that fails.
func (f *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(f.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (f *fsmSnapshot) Release() {}
