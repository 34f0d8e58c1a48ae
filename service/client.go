package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"metasrv/consensus"
	"metasrv/store"
	"metasrv/token"
	"metasrv/types"

	hraft "github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client talks to other nodes. It carries consensus traffic for the engine
// and forwarded requests for the node, authenticating with a token it signs
// itself with the cluster's shared key.
type Client struct {
	tokens   *token.Service
	username string
	opts     []grpc.DialOption

	mu    sync.Mutex
	tok   string
	conns map[string]*grpc.ClientConn
}

var (
	_ consensus.Transport = (*Client)(nil)
	_ store.Forwarder     = (*Client)(nil)
)

func NewClient(tokens *token.Service, username string, opts ...grpc.DialOption) *Client {
	return &Client{
		tokens:   tokens,
		username: username,
		opts:     opts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// DialOptions are the options every metasrv client needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
}

func (c *Client) client(addr string) (*MetaServiceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return NewMetaServiceClient(conn), nil
	}
	opts := append(DialOptions(), c.opts...)
	conn, err := grpc.NewClient("passthrough:///"+addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return NewMetaServiceClient(conn), nil
}

func (c *Client) authContext(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok == "" {
		tok, err := c.tokens.Issue(token.Claim{Username: c.username})
		if err != nil {
			return nil, err
		}
		c.tok = tok
	}
	return metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, c.tok), nil
}

type unaryCall func(*MetaServiceClient, context.Context, *RaftRequest, ...grpc.CallOption) (*RaftReply, error)

// call wraps in into an envelope, invokes method on addr and decodes the
// reply into out.
func (c *Client) call(ctx context.Context, addr string, method unaryCall, in, out any) error {
	cli, err := c.client(addr)
	if err != nil {
		return err
	}
	ctx, err = c.authContext(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	reply, err := method(cli, ctx, &RaftRequest{Data: string(b)})
	if err != nil {
		return fromStatus(err)
	}
	if err := json.Unmarshal([]byte(reply.Data), out); err != nil {
		return types.NewProtocolError(types.CodeBadEnvelope, fmt.Sprintf("decode reply: %s", err))
	}
	return nil
}

func (c *Client) Vote(ctx context.Context, target hraft.ServerAddress, req *consensus.VoteRequest) (*consensus.VoteReply, error) {
	out := new(consensus.VoteReply)
	if err := c.call(ctx, string(target), (*MetaServiceClient).Vote, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AppendEntries(ctx context.Context, target hraft.ServerAddress, req *consensus.AppendEntriesRequest) (*consensus.AppendEntriesReply, error) {
	out := new(consensus.AppendEntriesReply)
	if err := c.call(ctx, string(target), (*MetaServiceClient).AppendEntries, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InstallSnapshot(ctx context.Context, target hraft.ServerAddress, req *consensus.InstallSnapshotRequest) (*consensus.InstallSnapshotReply, error) {
	out := new(consensus.InstallSnapshotReply)
	if err := c.call(ctx, string(target), (*MetaServiceClient).InstallSnapshot, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward sends req to the node at addr.
func (c *Client) Forward(ctx context.Context, addr string, req *types.ForwardRequest) (*types.ForwardResponse, error) {
	out := new(types.ForwardResponse)
	if err := c.call(ctx, addr, (*MetaServiceClient).Forward, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Write sends cmd to the node at addr.
func (c *Client) Write(ctx context.Context, addr string, cmd *types.Cmd) (*types.AppliedState, error) {
	out := new(types.AppliedState)
	if err := c.call(ctx, addr, (*MetaServiceClient).Write, cmd, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Handshake exchanges credentials for a token at addr.
func (c *Client) Handshake(ctx context.Context, addr string, auth BasicAuth) (string, error) {
	cli, err := c.client(addr)
	if err != nil {
		return "", err
	}
	stream, err := cli.Handshake(ctx)
	if err != nil {
		return "", fromStatus(err)
	}
	payload, err := json.Marshal(auth)
	if err != nil {
		return "", err
	}
	if err := stream.Send(&HandshakeRequest{ProtocolVersion: ProtocolVersion, Payload: payload}); err != nil {
		return "", fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return "", fromStatus(err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return "", fromStatus(err)
	}
	return string(resp.Payload), nil
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		errs = append(errs, conn.Close())
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
