package types

import (
	"encoding/json"
	"fmt"
)

// ForwardRequest is a request that a non-leader may pass on to the leader.
// ForwardToLeader is the remaining hop budget.
type ForwardRequest struct {
	ForwardToLeader uint64
	Body            ForwardRequestBody
}

// ForwardRequestBody is implemented by the closed set of request kinds below.
type ForwardRequestBody interface {
	// Kind is the tag used on the wire.
	Kind() string
	// RequiresLeader reports whether the body must be executed by the leader.
	RequiresLeader() bool

	forwardBody()
}

type WriteBody struct {
	Cmd Cmd `json:"cmd"`
}

type JoinBody struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

type PingBody struct{}

type GetKVBody struct {
	Key string `json:"key"`
}

type MGetKVBody struct {
	Keys []string `json:"keys"`
}

type ListKVBody struct {
	Prefix string `json:"prefix"`
}

type GetDatabaseBody struct {
	Name string `json:"name"`
}

type ListDatabasesBody struct{}

type GetTableBody struct {
	Database string `json:"database"`
	Table    string `json:"table"`
}

type ListTablesBody struct {
	Database string `json:"database"`
}

func (*WriteBody) Kind() string         { return "Write" }
func (*JoinBody) Kind() string          { return "Join" }
func (*PingBody) Kind() string          { return "Ping" }
func (*GetKVBody) Kind() string         { return "GetKV" }
func (*MGetKVBody) Kind() string        { return "MGetKV" }
func (*ListKVBody) Kind() string        { return "ListKV" }
func (*GetDatabaseBody) Kind() string   { return "GetDatabase" }
func (*ListDatabasesBody) Kind() string { return "ListDatabases" }
func (*GetTableBody) Kind() string      { return "GetTable" }
func (*ListTablesBody) Kind() string    { return "ListTables" }

func (*WriteBody) RequiresLeader() bool         { return true }
func (*JoinBody) RequiresLeader() bool          { return true }
func (*PingBody) RequiresLeader() bool          { return false }
func (*GetKVBody) RequiresLeader() bool         { return false }
func (*MGetKVBody) RequiresLeader() bool        { return false }
func (*ListKVBody) RequiresLeader() bool        { return false }
func (*GetDatabaseBody) RequiresLeader() bool   { return false }
func (*ListDatabasesBody) RequiresLeader() bool { return false }
func (*GetTableBody) RequiresLeader() bool      { return false }
func (*ListTablesBody) RequiresLeader() bool    { return false }

func (*WriteBody) forwardBody()         {}
func (*JoinBody) forwardBody()          {}
func (*PingBody) forwardBody()          {}
func (*GetKVBody) forwardBody()         {}
func (*MGetKVBody) forwardBody()        {}
func (*ListKVBody) forwardBody()        {}
func (*GetDatabaseBody) forwardBody()   {}
func (*ListDatabasesBody) forwardBody() {}
func (*GetTableBody) forwardBody()      {}
func (*ListTablesBody) forwardBody()    {}

func newBody(kind string) (ForwardRequestBody, error) {
	switch kind {
	case "Write":
		return &WriteBody{}, nil
	case "Join":
		return &JoinBody{}, nil
	case "Ping":
		return &PingBody{}, nil
	case "GetKV":
		return &GetKVBody{}, nil
	case "MGetKV":
		return &MGetKVBody{}, nil
	case "ListKV":
		return &ListKVBody{}, nil
	case "GetDatabase":
		return &GetDatabaseBody{}, nil
	case "ListDatabases":
		return &ListDatabasesBody{}, nil
	case "GetTable":
		return &GetTableBody{}, nil
	case "ListTables":
		return &ListTablesBody{}, nil
	}
	return nil, fmt.Errorf("unknown forward body %q", kind)
}

// Decremented returns a copy of r with one hop spent.
func (r *ForwardRequest) Decremented() *ForwardRequest {
	c := *r
	if c.ForwardToLeader > 0 {
		c.ForwardToLeader--
	}
	return &c
}

type forwardRequestJSON struct {
	ForwardToLeader uint64                     `json:"forward_to_leader"`
	Body            map[string]json.RawMessage `json:"body"`
}

// MarshalJSON encodes the body externally tagged: {"body":{"Write":{...}}}.
func (r ForwardRequest) MarshalJSON() ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("forward request without body")
	}
	b, err := json.Marshal(r.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(forwardRequestJSON{
		ForwardToLeader: r.ForwardToLeader,
		Body:            map[string]json.RawMessage{r.Body.Kind(): b},
	})
}

func (r *ForwardRequest) UnmarshalJSON(data []byte) error {
	var raw forwardRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Body) != 1 {
		return fmt.Errorf("forward request body must have exactly one kind, got %d", len(raw.Body))
	}
	for kind, payload := range raw.Body {
		body, err := newBody(kind)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, body); err != nil {
			return fmt.Errorf("decode %s body: %w", kind, err)
		}
		r.Body = body
	}
	r.ForwardToLeader = raw.ForwardToLeader
	return nil
}

// ForwardResponse carries the result of a ForwardRequest; exactly the field
// matching the request kind is populated.
type ForwardResponse struct {
	AppliedState *AppliedState  `json:"applied_state,omitempty"`
	Pong         bool           `json:"pong,omitempty"`
	Joined       bool           `json:"joined,omitempty"`
	KV           *SeqV          `json:"kv,omitempty"`
	KVs          []*SeqV        `json:"kvs,omitempty"`
	List         []KV           `json:"list,omitempty"`
	Database     *DatabaseMeta  `json:"database,omitempty"`
	Databases    []DatabaseMeta `json:"databases,omitempty"`
	Table        *TableMeta     `json:"table,omitempty"`
	Tables       []TableMeta    `json:"tables,omitempty"`
}
