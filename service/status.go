package service

import (
	"errors"
	"strconv"

	"metasrv/consensus"
	"metasrv/types"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "metasrv"

var kindByName = map[string]types.ErrorKind{
	types.KindInternal.String():     types.KindInternal,
	types.KindAuth.String():         types.KindAuth,
	types.KindProtocol.String():     types.KindProtocol,
	types.KindConsensus.String():    types.KindConsensus,
	types.KindStateMachine.String(): types.KindStateMachine,
	types.KindForward.String():      types.KindForward,
}

func statusCode(me *types.MetaError) codes.Code {
	switch me.Kind {
	case types.KindProtocol:
		return codes.InvalidArgument
	case types.KindAuth:
		return codes.Unauthenticated
	}
	switch me.Code {
	case types.CodeNotLeader, types.CodeNoLeader, types.CodeForwardLoop, types.CodeStaleTerm, types.CodeLogMismatch:
		return codes.FailedPrecondition
	case types.CodeVersionConflict:
		return codes.Aborted
	case types.CodeNotFound:
		return codes.NotFound
	case types.CodeAlreadyExists:
		return codes.AlreadyExists
	case types.CodeTimeout, types.CodeShutdown, types.CodeLeadershipLost, types.CodeChangePending:
		return codes.Unavailable
	}
	return codes.Internal
}

// toStatus converts err into a gRPC status error carrying an ErrorInfo with
// the error code, retry policy and leader hint.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	me := types.AsMetaError(err)

	md := map[string]string{
		"kind":  me.Kind.String(),
		"retry": me.Retry().String(),
	}
	if me.LeaderID != "" {
		md["leader_id"] = me.LeaderID
	}
	if me.LeaderAddr != "" {
		md["leader_addr"] = me.LeaderAddr
	}
	if me.Term != 0 {
		md["term"] = strconv.FormatUint(me.Term, 10)
	}

	st := status.New(statusCode(me), me.Message)
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   me.Code,
		Domain:   errorDomain,
		Metadata: md,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// fromStatus recovers the MetaError sent by a peer. Errors that did not
// originate in a metasrv handler keep their gRPC status, wrapped so callers
// can still classify them.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != errorDomain {
			continue
		}
		me := &types.MetaError{
			Kind:       kindByName[info.Metadata["kind"]],
			Code:       info.Reason,
			Message:    st.Message(),
			LeaderID:   info.Metadata["leader_id"],
			LeaderAddr: info.Metadata["leader_addr"],
		}
		if t, err := strconv.ParseUint(info.Metadata["term"], 10, 64); err == nil {
			me.Term = t
		}
		return me
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &types.MetaError{Kind: types.KindForward, Code: types.CodeTimeout, Message: st.Message()}
	case codes.Unauthenticated:
		return types.NewAuthError(types.CodeInvalidToken, st.Message())
	}
	return types.NewInternalError(st.Message())
}

// raftError maps failures of the local engine's RPC handlers.
func raftError(err error) error {
	if errors.Is(err, consensus.ErrShutdown) {
		return &types.MetaError{Kind: types.KindConsensus, Code: types.CodeShutdown, Message: err.Error()}
	}
	return types.NewInternalError(err.Error())
}
