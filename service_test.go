package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"metasrv/consensus"
	"metasrv/service"
	"metasrv/token"
	"metasrv/types"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.TestMode)
	logrus.SetOutput(io.Discard)
}

// fakeStore keeps versioned keys in a map and records joins.
type fakeStore struct {
	kvs    map[string]types.SeqV
	seq    uint64
	joined []JoinReq
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{kvs: make(map[string]types.SeqV)}
}

func (f *fakeStore) Get(key string) (string, bool) {
	v, ok := f.kvs[key]
	return v.Value, ok
}

func (f *fakeStore) Write(_ context.Context, cmd *types.Cmd) (*types.AppliedState, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	prev, ok := f.kvs[cmd.Key]
	if ev := cmd.ExpectedVersion; ev != nil && *ev != prev.Version {
		return nil, types.NewStateMachineError(types.CodeVersionConflict, "version mismatch")
	}
	switch cmd.Op {
	case types.OpUpsertKV:
		f.seq++
		f.kvs[cmd.Key] = types.SeqV{Version: f.seq, Value: cmd.Value}
		return &types.AppliedState{Result: &types.SeqV{Version: f.seq, Value: cmd.Value}}, nil
	case types.OpDeleteKV:
		if !ok {
			return nil, types.NewStateMachineError(types.CodeNotFound, "no such key")
		}
		delete(f.kvs, cmd.Key)
		return &types.AppliedState{Prev: &prev}, nil
	}
	return &types.AppliedState{}, nil
}

func (f *fakeStore) HandleForwardableRequest(context.Context, *types.ForwardRequest) (*types.ForwardResponse, error) {
	return &types.ForwardResponse{}, nil
}

func (f *fakeStore) Join(_ context.Context, nodeID, addr string) error {
	if f.err != nil {
		return f.err
	}
	f.joined = append(f.joined, JoinReq{ID: nodeID, Addr: addr})
	return nil
}

func (f *fakeStore) Raft() *consensus.Raft { return nil }

func (f *fakeStore) Status() (types.StoreStatus, error) {
	return types.StoreStatus{Me: types.Node{ID: "n1", Address: "n1:14000"}, State: "Leader", Term: 3}, nil
}

var testTokens, _ = token.New([]byte("http-test-key"))

func newTestRouter(s *fakeStore) *gin.Engine {
	r := gin.New()
	api := &httpAPI{
		s:      s,
		sink:   metrics.NewInmemSink(time.Second, time.Minute),
		tokens: testTokens,
		meta:   service.NewMetaService(s, testTokens, service.Credentials{Username: "root", Password: "secret"}),
	}
	api.register(r)
	return r
}

func validToken() string {
	tok, err := testTokens.Issue(token.Claim{Username: "root"})
	if err != nil {
		panic(err)
	}
	return tok
}

// do sends a request carrying a valid bearer token.
func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	return doAuth(r, "Bearer "+validToken(), method, path, body)
}

func doAuth(r http.Handler, authorization, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestKVRoutes(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs)

	w := do(r, http.MethodPost, "/kv", `{"key":"a","value":"x","expected_version":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	var st types.AppliedState
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Result.Version != 1 {
		t.Fatalf("create reply: %s, %v", w.Body, err)
	}

	w = do(r, http.MethodPost, "/kv", `{"key":"a","value":"y","expected_version":0}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("conflicting create: %d %s", w.Code, w.Body)
	}
	var me types.MetaError
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil || me.Code != types.CodeVersionConflict {
		t.Fatalf("conflict body: %s, %v", w.Body, err)
	}

	if w = do(r, http.MethodGet, "/kv/a", ""); w.Code != http.StatusOK || w.Body.String() != "x" {
		t.Fatalf("get: %d %s", w.Code, w.Body)
	}
	if w = do(r, http.MethodGet, "/kv/b", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get missing: %d", w.Code)
	}

	if w = do(r, http.MethodDelete, "/kv/a?version=9", ""); w.Code != http.StatusConflict {
		t.Fatalf("stale delete: %d %s", w.Code, w.Body)
	}
	if w = do(r, http.MethodDelete, "/kv/a?version=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad version: %d", w.Code)
	}
	if w = do(r, http.MethodDelete, "/kv/a?version=1", ""); w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body)
	}
	if w = do(r, http.MethodDelete, "/kv/a", ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d %s", w.Code, w.Body)
	}
}

func TestWriteRoute(t *testing.T) {
	r := newTestRouter(newFakeStore())
	if w := do(r, http.MethodPost, "/write", `{"op":"bogus"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown op: %d %s", w.Code, w.Body)
	}
	if w := do(r, http.MethodPost, "/write", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/write", `{"op":"create_database","database":"db1"}`); w.Code != http.StatusOK {
		t.Fatalf("create_database: %d %s", w.Code, w.Body)
	}
}

func TestJoinAndStatus(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs)

	if w := do(r, http.MethodPost, "/join", `{"id":"n2","addr":"n2:14000"}`); w.Code != http.StatusOK {
		t.Fatalf("join: %d %s", w.Code, w.Body)
	}
	if len(fs.joined) != 1 || fs.joined[0].ID != "n2" || fs.joined[0].Addr != "n2:14000" {
		t.Fatalf("joined = %+v", fs.joined)
	}

	fs.err = &types.MetaError{Kind: types.KindForward, Code: types.CodeNoLeader, Message: "no leader"}
	if w := do(r, http.MethodPost, "/join", `{"id":"n3","addr":"n3:14000"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("join without leader: %d %s", w.Code, w.Body)
	}

	w := do(r, http.MethodGet, "/status", "")
	var st types.StoreStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Me.ID != "n1" || st.Term != 3 {
		t.Fatalf("status: %s, %v", w.Body, err)
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs)
	other, _ := token.New([]byte("another-key"))
	forged, _ := other.Issue(token.Claim{Username: "root"})

	routes := []struct{ method, path, body string }{
		{http.MethodPost, "/kv", `{"key":"a","value":"x"}`},
		{http.MethodDelete, "/kv/a", ""},
		{http.MethodPost, "/write", `{"op":"create_database","database":"db1"}`},
		{http.MethodPost, "/join", `{"id":"n9","addr":"n9:14000"}`},
	}
	headers := map[string]string{
		"":                       types.CodeMissingToken,
		"Basic cm9vdDpzZWNyZXQ=": types.CodeMissingToken,
		"Bearer garbage":         types.CodeInvalidToken,
		"Bearer " + forged:       types.CodeUnverifiedToken,
	}
	for _, rt := range routes {
		for h, code := range headers {
			w := doAuth(r, h, rt.method, rt.path, rt.body)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("%s %s with %q: %d %s", rt.method, rt.path, h, w.Code, w.Body)
			}
			var me types.MetaError
			if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil || me.Code != code {
				t.Fatalf("%s %s with %q: body %s, want %s", rt.method, rt.path, h, w.Body, code)
			}
		}
	}
	if len(fs.kvs) != 0 || len(fs.joined) != 0 {
		t.Fatalf("unauthenticated requests reached the store: %v %v", fs.kvs, fs.joined)
	}

	// Reads stay open.
	if w := doAuth(r, "", http.MethodGet, "/status", ""); w.Code != http.StatusOK {
		t.Fatalf("status without token: %d", w.Code)
	}
}

func TestLoginRoute(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs)

	w := doAuth(r, "", http.MethodPost, "/login", `{"username":"root","password":"wrong"}`)
	var me types.MetaError
	if w.Code != http.StatusUnauthorized || json.Unmarshal(w.Body.Bytes(), &me) != nil || me.Code != types.CodeBadCredentials {
		t.Fatalf("wrong password: %d %s", w.Code, w.Body)
	}

	w = doAuth(r, "", http.MethodPost, "/login", `{"username":"root","password":"secret"}`)
	var reply struct {
		Token string `json:"token"`
	}
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &reply) != nil || reply.Token == "" {
		t.Fatalf("login: %d %s", w.Code, w.Body)
	}
	if w := doAuth(r, "Bearer "+reply.Token, http.MethodPost, "/kv", `{"key":"a","value":"x"}`); w.Code != http.StatusOK {
		t.Fatalf("write with login token: %d %s", w.Code, w.Body)
	}
}

func TestMetricsRoute(t *testing.T) {
	r := newTestRouter(newFakeStore())
	if w := do(r, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d %s", w.Code, w.Body)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{types.NewProtocolError(types.CodeBadCommand, "x"), http.StatusBadRequest},
		{types.NewAuthError(types.CodeMissingToken, "x"), http.StatusUnauthorized},
		{types.NewStateMachineError(types.CodeNotFound, "x"), http.StatusNotFound},
		{types.NewStateMachineError(types.CodeAlreadyExists, "x"), http.StatusConflict},
		{&types.MetaError{Kind: types.KindConsensus, Code: types.CodeTimeout}, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := httpStatus(c.err); got != c.code {
			t.Errorf("%v: %d, want %d", c.err, got, c.code)
		}
	}
}
