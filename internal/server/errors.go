package server

import (
	"context"
	"errors"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/query"
	"CoverLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a service error to a gRPC status. Ledger refusals keep
// their error code in the message so clients can match on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	if kind, ok := state.KindOf(err); ok {
		switch kind {
		case state.KindAuthorization:
			return codes.PermissionDenied
		case state.KindState:
			return codes.FailedPrecondition
		case state.KindCapacity:
			return codes.ResourceExhausted
		case state.KindNotFound:
			return codes.NotFound
		default:
			return codes.InvalidArgument
		}
	}
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, core.ErrMissingIdempotencyKey),
		errors.Is(err, core.ErrMissingTimestamp),
		errors.Is(err, core.ErrUnknownCommand),
		errors.Is(err, query.ErrBadAmount),
		errors.Is(err, query.ErrUnknownAsset):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, core.ErrSequenceGap):
		return codes.FailedPrecondition
	case errors.Is(err, core.ErrOutOfOrder):
		return codes.Aborted
	case errors.Is(err, core.ErrRunnerStopped), errors.Is(err, errUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}
