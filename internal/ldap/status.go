package ldap

// Status is the outcome of a directory operation after classification.
type Status int

const (
	StatusSuccess       Status = iota // Operation completed
	StatusContinue                    // Multi-step SASL exchange in progress
	StatusNoResult                    // Nothing available, not necessarily a failure
	StatusBadConnection               // Transport or server unavailable, discard the connection
	StatusBadDN                       // Target object not found
	StatusNotPermitted                // Authorization or policy refusal
	StatusReject                      // Credential or constraint violation
	StatusTimeout                     // Client or server timeout
	StatusError                       // Anything else
)

// String returns the status name used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusContinue:
		return "continue"
	case StatusNoResult:
		return "no_result"
	case StatusBadConnection:
		return "bad_connection"
	case StatusBadDN:
		return "bad_dn"
	case StatusNotPermitted:
		return "not_permitted"
	case StatusReject:
		return "reject"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Failed reports whether the status represents a failure that carries an error.
func (s Status) Failed() bool {
	return s >= StatusBadConnection
}
