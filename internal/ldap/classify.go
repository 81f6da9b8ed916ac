package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Diagnostic text shared between classification paths.
const (
	msgNoResult        = "No result available"
	msgResultTimeout   = "timeout waiting for result"
	msgOperationsError = "Please set 'chase_referrals=yes' and 'rebind=yes'. See the ldap module configuration for details"
)

// Diagnostic is the classified outcome of a single protocol message.
type Diagnostic struct {
	Status        Status
	LibCode       uint16 // Library-level code after reconciliation
	SrvCode       uint16 // Server-supplied code after reconciliation
	DN            string // Target DN, if the operation had one
	MatchedDN     string // Partial match reported by the server
	ServerMessage string // Diagnostic message sent by the server
	Boundary      int    // Offset in DN where matching stopped, -1 if not computed
	Lines         []string
}

// Text returns the diagnostic lines joined by newlines.
func (d *Diagnostic) Text() string {
	if d == nil {
		return ""
	}
	return strings.Join(d.Lines, "\n")
}

func (d *Diagnostic) add(format string, args ...any) {
	d.Lines = append(d.Lines, fmt.Sprintf(format, args...))
}

// Classify maps a library code and a server code onto a Status.
//
// Whichever side reports a failure is authoritative. For NoSuchObject with both
// dn and matchedDN present, the diagnostic carries a marker line showing where
// matching stopped.
func Classify(libCode, srvCode uint16, dn, matchedDN, serverMsg string) *Diagnostic {
	if libCode == ldap.LDAPResultSuccess && srvCode != ldap.LDAPResultSuccess {
		libCode = srvCode
	} else if libCode != ldap.LDAPResultSuccess && srvCode == ldap.LDAPResultSuccess {
		srvCode = libCode
	}

	d := &Diagnostic{
		LibCode:       libCode,
		SrvCode:       srvCode,
		DN:            dn,
		MatchedDN:     matchedDN,
		ServerMessage: serverMsg,
		Boundary:      -1,
	}

	switch libCode {
	case ldap.LDAPResultSuccess:
		d.Status = StatusSuccess
		d.add("Success")
		return d

	case ldap.LDAPResultSaslBindInProgress:
		d.Status = StatusContinue
		d.add("Continuing")
		return d

	case ldap.LDAPResultNoSuchObject:
		d.Status = StatusBadDN
		d.add("The specified DN wasn't found")
		if dn != "" && matchedDN != "" {
			if boundary, ok := matchBoundary(dn, matchedDN); ok {
				d.Boundary = boundary
				d.Lines = append(d.Lines, dnMarker(dn, boundary)...)
			}
		}

	case ldap.LDAPResultInsufficientAccessRights:
		d.Status = StatusNotPermitted
		d.add("Insufficient access. Check the identity and password configuration directives")
		return d

	case ldap.LDAPResultUnwillingToPerform:
		d.Status = StatusNotPermitted
		d.add("Server was unwilling to perform")
		return d

	case ldap.LDAPResultFilterError:
		d.Status = StatusError
		d.add("Bad search filter")
		return d

	case ldap.LDAPResultTimeout:
		d.Status = StatusTimeout
		d.add("Timed out while waiting for server to respond")
		return d

	case ldap.LDAPResultTimeLimitExceeded:
		d.Status = StatusTimeout
		d.add("Time limit exceeded")
		return d

	case ldap.LDAPResultBusy, ldap.LDAPResultUnavailable, ldap.LDAPResultServerDown:
		d.Status = StatusBadConnection

	case ldap.LDAPResultInvalidCredentials, ldap.LDAPResultConstraintViolation:
		d.Status = StatusReject

	case ldap.LDAPResultOperationsError:
		d.Status = StatusError
		d.add(msgOperationsError)

	default:
		d.Status = StatusError
	}

	d.Lines = append(d.Lines, errorString(libCode, srvCode, serverMsg))
	return d
}

// classifyNoMessage classifies a retrieval that produced no message at all.
func classifyNoMessage(libCode uint16) *Diagnostic {
	if libCode == ldap.LDAPResultSuccess {
		return &Diagnostic{Status: StatusNoResult, Boundary: -1, Lines: []string{msgNoResult}}
	}

	return Classify(libCode, ldap.LDAPResultSuccess, "", "", "")
}

// classifyTimeout classifies a retrieval whose wait budget elapsed.
func classifyTimeout() *Diagnostic {
	return &Diagnostic{
		Status:   StatusTimeout,
		LibCode:  ldap.LDAPResultTimeout,
		SrvCode:  ldap.LDAPResultTimeout,
		Boundary: -1,
		Lines:    []string{msgResultTimeout},
	}
}

// classifyMessage classifies one message out of a retrieved envelope.
func classifyMessage(msg *Message, dn string) *Diagnostic {
	switch msg.Type {
	case MessageSearchResult, MessageBindResult, MessageModifyResult, MessageExtended:
		return Classify(msg.ParseError, msg.ResultCode, dn, msg.MatchedDN, msg.DiagnosticMessage)

	case MessageSearchEntry, MessageIntermediate:
		return Classify(msg.ParseError, ldap.LDAPResultSuccess, dn, "", "")

	default:
		return &Diagnostic{Status: StatusSuccess, Boundary: -1, Lines: []string{"Success"}}
	}
}

// errorString renders the library and server codes along with the server message.
func errorString(libCode, srvCode uint16, serverMsg string) string {
	var s string
	if libCode == srvCode {
		s = fmt.Sprintf("lib error: %s (%d)", codeText(libCode), libCode)
	} else {
		s = fmt.Sprintf("lib error: %s (%d), srv error: %s (%d)",
			codeText(libCode), libCode, codeText(srvCode), srvCode)
	}

	if serverMsg != "" {
		s = fmt.Sprintf("%s. Server said: %s", s, serverMsg)
	}

	return s
}

// codeText returns the text for a result code.
func codeText(code uint16) string {
	if text, ok := ldap.LDAPResultCodeMap[code]; ok {
		return text
	}
	return "Unknown error"
}

// commonSuffixLen returns the length of the longest byte suffix shared by a and b.
func commonSuffixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// matchBoundary returns the offset in dn at which the suffix shared with
// matched begins.
func matchBoundary(dn, matched string) (int, bool) {
	n := commonSuffixLen(dn, matched)
	if n == 0 {
		return 0, false
	}
	return len(dn) - n, true
}

// dnMarker renders dn with a caret under the boundary.
func dnMarker(dn string, boundary int) []string {
	return []string{
		dn,
		strings.Repeat(" ", boundary) + "^ match stopped here",
	}
}
