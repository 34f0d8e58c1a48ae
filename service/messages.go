package service

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// ProtocolVersion is sent in every handshake frame.
const ProtocolVersion uint64 = 1

// TokenMetadataKey carries the bearer token on authenticated calls.
const TokenMetadataKey = "auth-token-bin"

// RaftRequest is the envelope of every unary call except Get: Data holds the
// JSON encoding of the typed request.
type RaftRequest struct {
	Data string `json:"data"`
}

// RaftReply holds the JSON encoding of the typed reply. Failures travel as
// gRPC status errors.
type RaftReply struct {
	Data string `json:"data"`
}

type HandshakeRequest struct {
	ProtocolVersion uint64 `json:"protocol_version"`
	Payload         []byte `json:"payload"`
}

type HandshakeResponse struct {
	ProtocolVersion uint64 `json:"protocol_version"`
	Payload         []byte `json:"payload"`
}

// BasicAuth is the handshake payload.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type GetReq struct {
	Key string `json:"key"`
}

type GetReply struct {
	Ok    bool   `json:"ok"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// codecName is the content-subtype both ends must use.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
