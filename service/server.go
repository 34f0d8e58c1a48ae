package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"metasrv/consensus"
	"metasrv/token"
	"metasrv/types"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Node is what the service needs from a metadata node.
type Node interface {
	types.Store
	Raft() *consensus.Raft
}

// Credentials is the principal accepted by Handshake.
type Credentials struct {
	Username string
	Password string
}

// MetaService serves the metadata gRPC API of one node.
type MetaService struct {
	node   Node
	tokens *token.Service
	creds  Credentials
	logger *logrus.Entry
}

func NewMetaService(node Node, tokens *token.Service, creds Credentials) *MetaService {
	return &MetaService{
		node:   node,
		tokens: tokens,
		creds:  creds,
		logger: logrus.WithField("component", "service"),
	}
}

// NewServer returns a gRPC server with svc registered behind the logging and
// auth interceptors.
func NewServer(svc *MetaService, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(svc.logUnary, svc.authUnary))
	grpcServer := grpc.NewServer(opts...)
	RegisterMetaServiceServer(grpcServer, svc)
	return grpcServer
}

// Start serves grpcServer on addr until it is stopped.
func Start(grpcServer *grpc.Server, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return grpcServer.Serve(listener)
}

type reqIDKey struct{}

func (s *MetaService) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	id := uuid.NewString()
	ctx = context.WithValue(ctx, reqIDKey{}, id)
	start := time.Now()

	resp, err := handler(ctx, req)

	metrics.MeasureSince([]string{"metasrv", "grpc", info.FullMethod}, start)
	entry := s.logger.WithFields(logrus.Fields{
		"req_id":  id,
		"method":  info.FullMethod,
		"elapsed": time.Since(start),
	})
	if err != nil {
		if status.Code(err) == codes.Internal {
			entry.WithError(err).Error("request failed")
		} else {
			entry.WithError(err).Debug("request failed")
		}
		return nil, err
	}
	entry.Debug("request served")
	return resp, nil
}

// authUnary requires a valid token on every call except Get.
func (s *MetaService) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod == MethodGet {
		return handler(ctx, req)
	}
	if _, err := s.authenticate(ctx); err != nil {
		return nil, toStatus(err)
	}
	return handler(ctx, req)
}

func (s *MetaService) authenticate(ctx context.Context) (*token.Claim, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, types.NewAuthError(types.CodeMissingToken, "missing auth token")
	}
	return VerifyToken(s.tokens, md.Get(TokenMetadataKey))
}

// VerifyToken checks the first of toks and maps a failure to an auth error.
func VerifyToken(tokens *token.Service, toks []string) (*token.Claim, error) {
	if len(toks) == 0 || toks[0] == "" {
		return nil, types.NewAuthError(types.CodeMissingToken, "missing auth token")
	}
	claim, err := tokens.Verify(toks[0])
	switch {
	case errors.Is(err, token.ErrUnverified):
		return nil, types.NewAuthError(types.CodeUnverifiedToken, err.Error())
	case err != nil:
		return nil, types.NewAuthError(types.CodeInvalidToken, err.Error())
	}
	return claim, nil
}

// Login checks auth against the configured principal and issues a token.
func (s *MetaService) Login(auth BasicAuth) (string, error) {
	if auth.Username != s.creds.Username {
		s.logger.WithField("user", auth.Username).Warn("login from unknown user")
		return "", types.NewAuthError(types.CodeUnknownUser, "Unknown user: "+auth.Username)
	}
	if subtle.ConstantTimeCompare([]byte(auth.Password), []byte(s.creds.Password)) != 1 {
		s.logger.WithField("user", auth.Username).Warn("login with a wrong password")
		return "", types.NewAuthError(types.CodeBadCredentials, "Invalid password for user: "+auth.Username)
	}
	tok, err := s.tokens.Issue(token.Claim{Username: auth.Username})
	if err != nil {
		return "", types.NewInternalError(fmt.Sprintf("issue token: %s", err))
	}
	return tok, nil
}

// Handshake exchanges one BasicAuth frame for one token frame.
func (s *MetaService) Handshake(stream HandshakeServerStream) error {
	req, err := stream.Recv()
	if err == io.EOF {
		return toStatus(types.NewProtocolError(types.CodeBadEnvelope, "handshake stream closed before a request"))
	}
	if err != nil {
		return err
	}

	var auth BasicAuth
	if err := json.Unmarshal(req.Payload, &auth); err != nil {
		return toStatus(types.NewProtocolError(types.CodeBadEnvelope, fmt.Sprintf("decode handshake payload: %s", err)))
	}
	tok, err := s.Login(auth)
	if err != nil {
		return toStatus(err)
	}
	return stream.Send(&HandshakeResponse{
		ProtocolVersion: ProtocolVersion,
		Payload:         []byte(tok),
	})
}

func decodeRequest(req *RaftRequest, v any) error {
	if err := json.Unmarshal([]byte(req.Data), v); err != nil {
		return types.NewProtocolError(types.CodeBadEnvelope, fmt.Sprintf("decode %T: %s", v, err))
	}
	return nil
}

func encodeReply(v any) (*RaftReply, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(types.NewInternalError(fmt.Sprintf("encode %T: %s", v, err)))
	}
	return &RaftReply{Data: string(b)}, nil
}

// Write applies a command, forwarding it to the leader once if needed.
func (s *MetaService) Write(ctx context.Context, req *RaftRequest) (*RaftReply, error) {
	var cmd types.Cmd
	if err := decodeRequest(req, &cmd); err != nil {
		return nil, toStatus(err)
	}
	st, err := s.node.Write(ctx, &cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(st)
}

func (s *MetaService) Forward(ctx context.Context, req *RaftRequest) (*RaftReply, error) {
	var fr types.ForwardRequest
	if err := decodeRequest(req, &fr); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.node.HandleForwardableRequest(ctx, &fr)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(resp)
}

func (s *MetaService) AppendEntries(ctx context.Context, req *RaftRequest) (*RaftReply, error) {
	var in consensus.AppendEntriesRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, toStatus(err)
	}
	reply, err := s.node.Raft().AppendEntries(&in)
	if err != nil {
		return nil, toStatus(raftError(err))
	}
	return encodeReply(reply)
}

func (s *MetaService) InstallSnapshot(ctx context.Context, req *RaftRequest) (*RaftReply, error) {
	var in consensus.InstallSnapshotRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, toStatus(err)
	}
	reply, err := s.node.Raft().InstallSnapshot(&in)
	if err != nil {
		return nil, toStatus(raftError(err))
	}
	return encodeReply(reply)
}

func (s *MetaService) Vote(ctx context.Context, req *RaftRequest) (*RaftReply, error) {
	var in consensus.VoteRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, toStatus(err)
	}
	reply, err := s.node.Raft().Vote(&in)
	if err != nil {
		return nil, toStatus(raftError(err))
	}
	return encodeReply(reply)
}

// Get reads a key from local state. A missing key is reported with Ok false.
func (s *MetaService) Get(ctx context.Context, req *GetReq) (*GetReply, error) {
	v, ok := s.node.Get(req.Key)
	return &GetReply{Ok: ok, Key: req.Key, Value: v}, nil
}
