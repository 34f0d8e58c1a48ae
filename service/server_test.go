package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"metasrv/store"
	"metasrv/token"
	"metasrv/types"

	"github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func init() {
	logrus.SetOutput(io.Discard)
}

var testCreds = Credentials{Username: "root", Password: "secret"}

// bufNet routes node addresses to in-process listeners.
type bufNet struct {
	mu  sync.Mutex
	lis map[string]*bufconn.Listener
}

func (b *bufNet) dial(ctx context.Context, addr string) (net.Conn, error) {
	b.mu.Lock()
	lis, ok := b.lis[addr]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener at %s", addr)
	}
	return lis.DialContext(ctx)
}

type testNode struct {
	addr   string
	store  *store.Store
	client *Client
}

func newTestNode(t *testing.T, bn *bufNet, tokens *token.Service, id string, bootstrap bool) *testNode {
	t.Helper()
	addr := id + ":9000"

	s := store.New(t.TempDir(), addr, true)
	s.RaftConfig.ElectionTimeout = 100 * time.Millisecond
	s.RaftConfig.HeartbeatInterval = 20 * time.Millisecond
	s.RaftConfig.RPCTimeout = 100 * time.Millisecond
	s.ApplyTimeout = 3 * time.Second

	client := NewClient(tokens, testCreds.Username, grpc.WithContextDialer(bn.dial))
	lis := bufconn.Listen(1 << 20)
	bn.mu.Lock()
	bn.lis[addr] = lis
	bn.mu.Unlock()

	if err := s.Open(bootstrap, id, client, client); err != nil {
		t.Fatalf("Open(%s): %v", id, err)
	}
	srv := NewServer(NewMetaService(s, tokens, testCreds))
	go srv.Serve(lis)

	t.Cleanup(func() {
		srv.Stop()
		s.Close()
		client.Close()
	})
	return &testNode{addr: addr, store: s, client: client}
}

func newTestTokens(t *testing.T) *token.Service {
	t.Helper()
	tokens, err := token.New([]byte("cluster-key"))
	if err != nil {
		t.Fatal(err)
	}
	return tokens
}

func rawClient(t *testing.T, bn *bufNet, addr string) *MetaServiceClient {
	t.Helper()
	opts := append(DialOptions(), grpc.WithContextDialer(bn.dial))
	conn, err := grpc.NewClient("passthrough:///"+addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewMetaServiceClient(conn)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitLeader(t *testing.T, n *testNode) {
	t.Helper()
	waitFor(t, "leadership", func() bool { return n.store.Raft().State() == raft.Leader })
}

func errorReason(err error) string {
	st, _ := status.FromError(err)
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.Reason
		}
	}
	return ""
}

func TestHandshake(t *testing.T) {
	bn := &bufNet{lis: make(map[string]*bufconn.Listener)}
	tokens := newTestTokens(t)
	n := newTestNode(t, bn, tokens, "n1", true)
	cli := rawClient(t, bn, n.addr)
	ctx := context.Background()

	handshake := func(auth BasicAuth) (HandshakeClientStream, error) {
		stream, err := cli.Handshake(ctx)
		if err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(auth)
		if err := stream.Send(&HandshakeRequest{ProtocolVersion: ProtocolVersion, Payload: payload}); err != nil {
			return nil, err
		}
		return stream, stream.CloseSend()
	}

	stream, err := handshake(BasicAuth{Username: "root", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv token: %v", err)
	}
	claim, err := tokens.Verify(string(resp.Payload))
	if err != nil || claim.Username != "root" {
		t.Fatalf("issued token: %+v, %v", claim, err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("second Recv: got %v, want EOF", err)
	}

	stream, err = handshake(BasicAuth{Username: "bob", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err = stream.Recv()
	if status.Code(err) != codes.Unauthenticated || resp != nil {
		t.Fatalf("unknown user: %+v, %v", resp, err)
	}
	if st, _ := status.FromError(err); st.Message() != "Unknown user: bob" {
		t.Fatalf("message = %q", st.Message())
	}
}

func TestClientHandshake(t *testing.T) {
	bn := &bufNet{lis: make(map[string]*bufconn.Listener)}
	tokens := newTestTokens(t)
	n := newTestNode(t, bn, tokens, "n1", true)

	tok, err := n.client.Handshake(context.Background(), n.addr, BasicAuth{Username: "root", Password: "secret"})
	if err != nil || tok == "" {
		t.Fatalf("Handshake: %q, %v", tok, err)
	}
	_, err = n.client.Handshake(context.Background(), n.addr, BasicAuth{Username: "root", Password: "wrong"})
	var me *types.MetaError
	if !errors.As(err, &me) || me.Kind != types.KindAuth || me.Code != types.CodeBadCredentials {
		t.Fatalf("wrong password: %v", err)
	}
	_, err = n.client.Handshake(context.Background(), n.addr, BasicAuth{Username: "bob", Password: "secret"})
	if !errors.As(err, &me) || me.Code != types.CodeUnknownUser {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestCallsRequireToken(t *testing.T) {
	bn := &bufNet{lis: make(map[string]*bufconn.Listener)}
	n := newTestNode(t, bn, newTestTokens(t), "n1", true)
	cli := rawClient(t, bn, n.addr)
	req := &RaftRequest{Data: `{"op":"upsert_kv","key":"a","value":"x"}`}

	_, err := cli.Write(context.Background(), req)
	if status.Code(err) != codes.Unauthenticated || errorReason(err) != types.CodeMissingToken {
		t.Fatalf("no token: %v", err)
	}

	other, _ := token.New([]byte("another-key"))
	forged, _ := other.Issue(token.Claim{Username: "root"})
	ctx := metadata.AppendToOutgoingContext(context.Background(), TokenMetadataKey, forged)
	_, err = cli.Write(ctx, req)
	if status.Code(err) != codes.Unauthenticated || errorReason(err) != types.CodeUnverifiedToken {
		t.Fatalf("foreign token: %v", err)
	}

	ctx = metadata.AppendToOutgoingContext(context.Background(), TokenMetadataKey, "garbage")
	_, err = cli.Vote(ctx, &RaftRequest{Data: `{}`})
	if status.Code(err) != codes.Unauthenticated || errorReason(err) != types.CodeInvalidToken {
		t.Fatalf("malformed token: %v", err)
	}

	// Get stays open for compatibility.
	reply, err := cli.Get(context.Background(), &GetReq{Key: "missing"})
	if err != nil || reply.Ok || reply.Key != "missing" {
		t.Fatalf("Get: %+v, %v", reply, err)
	}
}

func TestWriteScenario(t *testing.T) {
	bn := &bufNet{lis: make(map[string]*bufconn.Listener)}
	n := newTestNode(t, bn, newTestTokens(t), "n1", true)
	waitLeader(t, n)
	ctx := context.Background()

	st, err := n.client.Write(ctx, n.addr, &types.Cmd{Op: types.OpUpsertKV, Key: "a", Value: "x", ExpectedVersion: types.Version(0)})
	if err != nil || st.Result.Version != 1 {
		t.Fatalf("first write: %+v, %v", st, err)
	}
	_, err = n.client.Write(ctx, n.addr, &types.Cmd{Op: types.OpUpsertKV, Key: "a", Value: "y", ExpectedVersion: types.Version(0)})
	var me *types.MetaError
	if !errors.As(err, &me) || me.Code != types.CodeVersionConflict || me.Retry() != types.FixRequest {
		t.Fatalf("second write: %v", err)
	}
	st, err = n.client.Write(ctx, n.addr, &types.Cmd{Op: types.OpUpsertKV, Key: "a", Value: "y", ExpectedVersion: types.Version(1)})
	if err != nil || st.Result.Version != 2 {
		t.Fatalf("third write: %+v, %v", st, err)
	}

	reply, err := rawClient(t, bn, n.addr).Get(ctx, &GetReq{Key: "a"})
	if err != nil || !reply.Ok || reply.Value != "y" {
		t.Fatalf("Get(a): %+v, %v", reply, err)
	}
}

func TestMalformedEnvelope(t *testing.T) {
	bn := &bufNet{lis: make(map[string]*bufconn.Listener)}
	tokens := newTestTokens(t)
	n := newTestNode(t, bn, tokens, "n1", true)
	cli := rawClient(t, bn, n.addr)

	tok, _ := tokens.Issue(token.Claim{Username: "root"})
	ctx := metadata.AppendToOutgoingContext(context.Background(), TokenMetadataKey, tok)
	for _, data := range []string{"{", `{"forward_to_leader":1,"body":{}}`, `{"forward_to_leader":1,"body":{"Nope":{}}}`} {
		_, err := cli.Forward(ctx, &RaftRequest{Data: data})
		if status.Code(err) != codes.InvalidArgument || errorReason(err) != types.CodeBadEnvelope {
			t.Fatalf("Forward(%s): %v", data, err)
		}
	}
}

func TestForwardOverGRPC(t *testing.T) {
	bn := &bufNet{lis: make(map[string]*bufconn.Listener)}
	tokens := newTestTokens(t)
	n1 := newTestNode(t, bn, tokens, "n1", true)
	waitLeader(t, n1)
	n2 := newTestNode(t, bn, tokens, "n2", false)
	ctx := context.Background()

	if err := n1.store.Join(ctx, "n2", n2.addr); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "n2 to follow n1", func() bool {
		_, id := n2.store.Raft().LeaderWithID()
		return id == "n1"
	})

	// Sent to the follower, applied by the leader.
	st, err := n1.client.Write(ctx, n2.addr, &types.Cmd{Op: types.OpUpsertKV, Key: "k", Value: "v"})
	if err != nil || st.Result == nil {
		t.Fatalf("Write via follower: %+v, %v", st, err)
	}
	waitFor(t, "the follower to apply the write", func() bool {
		v, ok := n2.store.Get("k")
		return ok && v == "v"
	})

	resp, err := n1.client.Forward(ctx, n2.addr, &types.ForwardRequest{Body: &types.GetKVBody{Key: "k"}})
	if err != nil || resp.KV == nil || resp.KV.Value != "v" {
		t.Fatalf("GetKV via Forward: %+v, %v", resp, err)
	}

	// No hop budget left: the follower refuses instead of forwarding.
	_, err = n1.client.Forward(ctx, n2.addr, &types.ForwardRequest{
		Body: &types.WriteBody{Cmd: types.Cmd{Op: types.OpUpsertKV, Key: "k", Value: "w"}},
	})
	var me *types.MetaError
	if !errors.As(err, &me) || me.Code != types.CodeForwardLoop {
		t.Fatalf("Forward without budget: %v", err)
	}
}
