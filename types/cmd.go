package types

import "fmt"

// Command operations understood by the state machine.
const (
	OpUpsertKV       = "upsert_kv"
	OpDeleteKV       = "delete_kv"
	OpIncrSeq        = "incr_seq"
	OpCreateDatabase = "create_database"
	OpDropDatabase   = "drop_database"
	OpCreateTable    = "create_table"
	OpDropTable      = "drop_table"
)

// Cmd is a mutation of the metadata namespace carried by a Write log entry.
//
// ExpectedVersion is a compare-and-swap guard for upsert_kv and delete_kv:
// nil matches any current state, 0 matches an absent key and any other value
// must equal the key's current version.
type Cmd struct {
	Op              string  `json:"op" codec:"op"`
	Key             string  `json:"key,omitempty" codec:"key,omitempty"`
	Value           string  `json:"value,omitempty" codec:"value,omitempty"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty" codec:"expected_version"`
	Database        string  `json:"database,omitempty" codec:"database,omitempty"`
	Table           string  `json:"table,omitempty" codec:"table,omitempty"`
	Schema          string  `json:"schema,omitempty" codec:"schema,omitempty"`
	Engine          string  `json:"engine,omitempty" codec:"engine,omitempty"`
}

// Validate checks the fields required by c.Op.
func (c *Cmd) Validate() error {
	switch c.Op {
	case OpUpsertKV, OpDeleteKV, OpIncrSeq:
		if c.Key == "" {
			return NewProtocolError(CodeBadCommand, fmt.Sprintf("%s: empty key", c.Op))
		}
	case OpCreateDatabase, OpDropDatabase:
		if c.Database == "" {
			return NewProtocolError(CodeBadCommand, fmt.Sprintf("%s: empty database", c.Op))
		}
	case OpCreateTable, OpDropTable:
		if c.Database == "" || c.Table == "" {
			return NewProtocolError(CodeBadCommand, fmt.Sprintf("%s: empty database or table", c.Op))
		}
	case "":
		return NewProtocolError(CodeBadCommand, "missing op")
	default:
		return NewProtocolError(CodeBadCommand, fmt.Sprintf("unknown op %q", c.Op))
	}
	return nil
}

// Version returns a pointer to v, for use as Cmd.ExpectedVersion.
func Version(v uint64) *uint64 {
	return &v
}

// SeqV is a value stamped with the version that wrote it.
type SeqV struct {
	Version uint64 `json:"version"`
	Value   string `json:"value"`
}

// KV is a key paired with its versioned value.
type KV struct {
	Key string `json:"key"`
	SeqV
}

// DatabaseMeta describes a database in the catalog.
type DatabaseMeta struct {
	ID     uint64   `json:"id"`
	Name   string   `json:"name"`
	Tables []string `json:"tables,omitempty"`
}

// TableMeta describes a table in the catalog.
type TableMeta struct {
	ID       uint64 `json:"id"`
	Database string `json:"database"`
	Name     string `json:"name"`
	Schema   string `json:"schema,omitempty"`
	Engine   string `json:"engine,omitempty"`
}

// AppliedState is the result of applying one committed Write entry.
type AppliedState struct {
	// Prev and Result are set by kv commands.
	Prev   *SeqV `json:"prev,omitempty"`
	Result *SeqV `json:"result,omitempty"`

	// Seq is set by incr_seq.
	Seq uint64 `json:"seq,omitempty"`

	// ID is the database or table id created or dropped.
	ID uint64 `json:"id,omitempty"`
}
