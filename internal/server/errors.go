package server

import (
	"context"
	"errors"

	"CTFLedger/internal/core"
	"CTFLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[core.ErrorKind]codes.Code{
	core.KindUnknownCondition:       codes.NotFound,
	core.KindUnknownOrder:           codes.NotFound,
	core.KindDuplicateCondition:     codes.AlreadyExists,
	core.KindDuplicateOrder:         codes.AlreadyExists,
	core.KindInvalidSlotCount:       codes.InvalidArgument,
	core.KindInvalidPayoutVector:    codes.InvalidArgument,
	core.KindInvalidAmount:          codes.InvalidArgument,
	core.KindInvalidSlot:            codes.InvalidArgument,
	core.KindInvalidOrder:           codes.InvalidArgument,
	core.KindInvalidSignature:       codes.InvalidArgument,
	core.KindUnauthorizedOracle:     codes.PermissionDenied,
	core.KindUnauthorizedCancel:     codes.PermissionDenied,
	core.KindInsufficientCollateral: codes.FailedPrecondition,
	core.KindInsufficientBalance:    codes.FailedPrecondition,
	core.KindTooEarly:               codes.FailedPrecondition,
	core.KindConditionNotResolved:   codes.FailedPrecondition,
	core.KindConditionNotTradeable:  codes.FailedPrecondition,
	core.KindOrderExpired:           codes.FailedPrecondition,
	core.KindInvalidStatus:          codes.FailedPrecondition,
}

// toStatus maps an error to a gRPC status. Domain rejections keep their kind
// name as the leading token of the message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var domainErr *core.Error
	switch {
	case errors.As(err, &domainErr):
		code, ok := kindCodes[domainErr.Kind]
		if !ok {
			code = codes.FailedPrecondition
		}
		return status.Error(code, domainErr.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invalidArg(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
