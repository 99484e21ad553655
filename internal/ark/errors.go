package ark

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrBackendUnavailable marks transient transport failures. Payout
	// callers retry these with backoff; the subscription consumer treats
	// them as fatal.
	ErrBackendUnavailable = errors.New("ark backend unavailable")
	// ErrProtocol marks a reply the backend should never have produced
	ErrProtocol = errors.New("ark backend protocol error")
	// ErrAddressDecode marks an Ark address that failed to parse
	ErrAddressDecode = errors.New("invalid ark address")
)

// classifyRpcError maps a gRPC failure onto our error kinds so callers
// can pick a retry policy without knowing transport details
func classifyRpcError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("%w: %s", ErrProtocol, err)
	}
}
