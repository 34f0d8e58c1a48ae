package store

import (
	"errors"

	"metasrv/consensus"
	"metasrv/types"
)

// toMetaError translates consensus failures into the error taxonomy seen by
// clients. MetaErrors pass through unchanged.
func toMetaError(err error) error {
	if err == nil {
		return nil
	}
	var me *types.MetaError
	if errors.As(err, &me) {
		return me
	}
	var nle *consensus.NotLeaderError
	if errors.As(err, &nle) {
		return &types.MetaError{
			Kind:       types.KindConsensus,
			Code:       types.CodeNotLeader,
			Message:    "this node is not the leader",
			LeaderID:   string(nle.LeaderID),
			LeaderAddr: string(nle.LeaderAddr),
			Term:       nle.Term,
		}
	}

	code := ""
	switch {
	case errors.Is(err, consensus.ErrLeadershipLost):
		code = types.CodeLeadershipLost
	case errors.Is(err, consensus.ErrApplyTimeout):
		code = types.CodeTimeout
	case errors.Is(err, consensus.ErrShutdown):
		code = types.CodeShutdown
	case errors.Is(err, consensus.ErrConfigChangePending):
		code = types.CodeChangePending
	default:
		return types.NewInternalError(err.Error())
	}
	return &types.MetaError{Kind: types.KindConsensus, Code: code, Message: err.Error()}
}

func isNotLeader(err error) bool {
	return errors.Is(err, &types.MetaError{Code: types.CodeNotLeader})
}
