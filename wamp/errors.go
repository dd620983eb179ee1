package wamp

import "fmt"

// Standard WAMP error URIs surfaced by the router.
const (
	ErrInvalidURI                              = "wamp.error.invalid_uri"
	ErrNoSuchProcedure                         = "wamp.error.no_such_procedure"
	ErrProcedureAlreadyExists                  = "wamp.error.procedure_already_exists"
	ErrProcedureExistsInvocationPolicyConflict = "wamp.error.procedure_exists_with_different_invocation_policy"
	ErrNoSuchRegistration                      = "wamp.error.no_such_registration"
	ErrNoSuchSubscription                      = "wamp.error.no_such_subscription"
	ErrInvalidArgument                         = "wamp.error.invalid_argument"
	ErrNotAuthorized                           = "wamp.error.not_authorized"
	ErrAuthorizationFailed                     = "wamp.error.authorization_failed"
	ErrNoSuchRealm                             = "wamp.error.no_such_realm"
	ErrNoSuchRole                              = "wamp.error.no_such_role"
	ErrCanceled                                = "wamp.error.canceled"
	ErrGoodbyeAndOut                           = "wamp.error.goodbye_and_out"
	ErrCloseRealm                              = "wamp.close.close_realm"
	ErrCloseNormal                             = "wamp.close.normal"
	ErrSystemShutdown                          = "wamp.close.system_shutdown"
	ErrUnregistered                            = "wamp.error.unregistered"
	ErrProtocolViolation                       = "wamp.error.protocol_violation"
	ErrHistoryUnavailable                      = "wamp.error.history_unavailable"

	// Router-specific extension, reported when a shared registration has
	// no callee with concurrency headroom and call queueing is disabled.
	ErrMaxConcurrencyReached = "corvo.error.max_concurrency_reached"
)

// ProtocolError indicates a peer violated the WAMP protocol. The session
// that produced it must be closed; it is never converted into an ERROR
// reply.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wamp protocol error: %s", e.Message)
}

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
