package replica

import (
	werrors "github.com/pkg/errors"
)

// Errors are centralised for the same reason metrics are: it keeps them consistent.
//
// Errors originating in the replica package carry a sentinel Error as their cause, wrapped with a message and
// context for logging upstream. Errors originating beneath the package (bbolt, net/http, file I/O) are wrapped
// with a replica message and, where the failure class matters to callers, with a sentinel too.
//
// To test an error returned by the package against a sentinel, call errors.Cause() on it and compare to the
// sentinel values below.

// Keyword for error field in logger...
const replicaErrKeyword = "err"
const replicaSentinel = "errCode: "

// Error implements the error interface and represents sentinel errors for the replica package (as per
// https://dave.cheney.net/2016/04/07/constant-errors).
type Error string

func (e Error) Error() string { return string(e) }

// ReplicaErrorBadOption is returned if options provided to MakeNode or MakeCoordinator fail to apply.
const ReplicaErrorBadOption = Error(replicaSentinel + "bad option")

// ReplicaErrorMissingConfig is returned if configuration expected at start up is missing or invalid.
const ReplicaErrorMissingConfig = Error(replicaSentinel + "config insufficient")

// ReplicaErrorMissingLogger is returned if we failed to set up a logger.
const ReplicaErrorMissingLogger = Error(replicaSentinel + "no logger setup")

// ReplicaErrorStorage is returned when the durable log store fails an I/O operation. The request which
// hit the failure is abandoned; nothing is left unpersisted and acknowledged.
const ReplicaErrorStorage = Error(replicaSentinel + "storage failure")

// ReplicaErrorStatusTransition is returned when a log entry status change other than Pending->Committed or
// Pending->Aborted is attempted.
const ReplicaErrorStatusTransition = Error(replicaSentinel + "illegal log entry status transition")

// ReplicaErrorUnknownEntry is returned when a status update refers to a log entry the replica does not hold.
const ReplicaErrorUnknownEntry = Error(replicaSentinel + "unknown log entry")

// ReplicaErrorDuplicate is returned by the store when asked to append a log entry or order whose id is already
// present. Entries and orders are immutable once written.
const ReplicaErrorDuplicate = Error(replicaSentinel + "duplicate record")

// ReplicaErrorUnknownOrder is returned by point reads of orders which do not exist.
const ReplicaErrorUnknownOrder = Error(replicaSentinel + "unknown order")

// ReplicaErrorLogSequence is returned when a replicated entry does not carry exactly the next expected logId.
const ReplicaErrorLogSequence = Error(replicaSentinel + "log entry out of sequence")

// ReplicaErrorTermMismatch is returned when a status update names a term other than the term of the entry.
const ReplicaErrorTermMismatch = Error(replicaSentinel + "mismatched term")

// ReplicaErrorQuorum is returned when a proposed order failed to gather acknowledgements from a strict majority
// of the configured cluster. Stock has been compensated by the time the caller sees this error.
const ReplicaErrorQuorum = Error(replicaSentinel + "replication failed to reach quorum")

// ReplicaErrorInsufficientStock is returned when the catalog refuses the stock decrement.
const ReplicaErrorInsufficientStock = Error(replicaSentinel + "quantity not available")

// ReplicaErrorCatalog is returned when the catalog could not be consulted.
const ReplicaErrorCatalog = Error(replicaSentinel + "catalog request failed")

// ReplicaErrorNotLeader is returned when a client facing operation is sent to a replica which is not leader.
const ReplicaErrorNotLeader = Error(replicaSentinel + "replica is not leader")

// ReplicaErrorNoLeader is returned when no leader is known, or an election found no live replica.
const ReplicaErrorNoLeader = Error(replicaSentinel + "no leader")

// ReplicaErrorJoinRefused is returned when the leader did not accept a joining replica.
const ReplicaErrorJoinRefused = Error(replicaSentinel + "join refused")

// ReplicaErrorConnectionFailed is returned when an outbound call failed to connect to its target. This is the
// only class of failure which triggers eviction and re-election from the request path.
const ReplicaErrorConnectionFailed = Error(replicaSentinel + "connection to peer failed")

// ReplicaErrorPeerUnavailable is returned for outbound calls which connected but failed in transport, e.g. timed
// out waiting for the reply.
const ReplicaErrorPeerUnavailable = Error(replicaSentinel + "peer unavailable")

// ReplicaErrorPeerRejected is returned when a peer replied with a non success status.
const ReplicaErrorPeerRejected = Error(replicaSentinel + "peer rejected request")

// ReplicaErrorBadRequest is returned by handlers for malformed requests.
const ReplicaErrorBadRequest = Error(replicaSentinel + "bad request")

// replicaErrorf is a simple wrapper which ensures that all replica errors are prefixed consistently, and that we
// always either wrap a root cause error bubbling up from packages beneath, or a sentinel error from above.
func replicaErrorf(rootCause error, format string, args ...interface{}) error {
	return werrors.WithMessagef(rootCause, "replica: "+format, args...)
}
