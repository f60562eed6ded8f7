package bosh

import "errors"

var (
	// ErrInvalidSession is returned for requests naming an unknown or
	// expired sid.
	ErrInvalidSession = errors.New("invalid session")
	// ErrInvalidStream is returned for requests naming an unknown or closed
	// stream, and by Stream methods once the stream is terminated.
	ErrInvalidStream = errors.New("invalid stream")
	// ErrInvalidPacket is returned when a body fails admission: missing
	// sid/rid, rid outside the window, or too many attributes.
	ErrInvalidPacket = errors.New("invalid packet")
	// ErrPolicyViolation is returned when a client exceeds the held
	// connection or stream limits.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrStaleRequest reports a request whose rid was already consumed. The
	// connection has been answered with a replay or an empty body.
	ErrStaleRequest = errors.New("stale request")
	// ErrDeliveryFailure reports a transport write that failed.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrSessionTerminated is returned by operations on a session that has
	// already been torn down.
	ErrSessionTerminated = errors.New("session terminated")
)

// Terminal binding conditions, XEP-0124 section 17.2.
const (
	ConditionBadRequest             = "bad-request"
	ConditionHostGone               = "host-gone"
	ConditionHostUnknown            = "host-unknown"
	ConditionImproperAddressing     = "improper-addressing"
	ConditionInternalServerError    = "internal-server-error"
	ConditionItemNotFound           = "item-not-found"
	ConditionOtherRequest           = "other-request"
	ConditionPolicyViolation        = "policy-violation"
	ConditionRemoteConnectionFailed = "remote-connection-failed"
	ConditionRemoteStreamError      = "remote-stream-error"
	ConditionSeeOtherURI            = "see-other-uri"
	ConditionSystemShutdown         = "system-shutdown"
	ConditionUndefinedCondition     = "undefined-condition"
)

var knownConditions = map[string]bool{
	ConditionBadRequest:             true,
	ConditionHostGone:               true,
	ConditionHostUnknown:            true,
	ConditionImproperAddressing:     true,
	ConditionInternalServerError:    true,
	ConditionItemNotFound:           true,
	ConditionOtherRequest:           true,
	ConditionPolicyViolation:        true,
	ConditionRemoteConnectionFailed: true,
	ConditionRemoteStreamError:      true,
	ConditionSeeOtherURI:            true,
	ConditionSystemShutdown:         true,
	ConditionUndefinedCondition:     true,
}

// normalizeCondition maps a condition outside the terminal binding set to
// undefined-condition. The empty condition is kept.
func normalizeCondition(c string) string {
	if c == "" || knownConditions[c] {
		return c
	}
	return ConditionUndefinedCondition
}
