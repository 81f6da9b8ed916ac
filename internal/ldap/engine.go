package ldap

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// AnyMessageID retrieves the first available message of any pending request.
const AnyMessageID = -1

// ProtocolVersion is the only protocol version connections are pinned to.
const ProtocolVersion = 3

// Engine is the directory-protocol engine a Conn drives.
//
// Send methods return a message id. The ctx passed to a send selects where it
// goes: sends made with the ctx handed to a Rebinder reach the referral
// server, all others the configured one. A failed send records its code so
// that ErrorNumber reports it until the next send. Result blocks for at most
// timeout (zero waits until ctx is done) and returns ErrResultTimeout when
// nothing arrived; any other error is a transport failure whose code is
// available from ErrorNumber. Result codes carried by messages are never
// recorded there, they belong to their own request.
type Engine interface {
	SetOption(opt Option, value any) error
	SetRebinder(r Rebinder)

	SimpleBind(ctx context.Context, dn, password string) (int, error)
	SASLBind(ctx context.Context, dn, password string, sasl *SASLConfig, serverCtrls, clientCtrls []ldap.Control) (int, error)
	Search(ctx context.Context, req *SearchRequest, serverCtrls, clientCtrls []ldap.Control) (int, error)
	Modify(ctx context.Context, dn string, changes []ldap.Change, serverCtrls, clientCtrls []ldap.Control) (int, error)

	Result(ctx context.Context, msgid int, mode ResultMode, timeout time.Duration) (*Envelope, error)
	ErrorNumber() uint16
	Unbind(serverCtrls, clientCtrls []ldap.Control) error
}

// EngineFactory creates an engine for a server URI. The empty URI creates a
// handle that is never connected.
type EngineFactory func(ctx context.Context, uri string) (Engine, error)

// CapabilityReporter is implemented by engines that can describe their feature set.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// Capabilities describes optional engine features, resolved once per Library.
type Capabilities struct {
	Vendor          string
	Version         string
	SASLMechanisms  []SASLMech
	Keepalive       bool
	NetworkTimeout  bool
	StartTLS        bool
	ReferralChasing bool
	ClientControls  bool
}

// SupportsSASL reports whether mech is available.
func (c Capabilities) SupportsSASL(mech SASLMech) bool {
	for _, m := range c.SASLMechanisms {
		if m == mech {
			return true
		}
	}
	return false
}

// Rebinder is invoked by an engine when it follows a referral. Binds sent with
// the ctx it receives go to the referral server. It returns a raw result code,
// never a Status.
type Rebinder interface {
	Rebind(ctx context.Context, url string) uint16
}

// Option identifies an engine option.
type Option int

const (
	OptDereference Option = iota + 1
	OptReferrals
	OptReferralHopLimit
	OptNetworkTimeout
	OptServerTimeLimit
	OptProtocolVersion
	OptKeepaliveIdle
	OptKeepaliveProbes
	OptKeepaliveInterval
	OptTLSMode
	OptTLSCACertFile
	OptTLSCACertDir
	OptTLSCertFile
	OptTLSKeyFile
	OptTLSRequireCert
	OptTLSNewContext
	OptStartTLS
	OptDebugLevel
)

func (o Option) String() string {
	switch o {
	case OptDereference:
		return "dereference"
	case OptReferrals:
		return "chase_referrals"
	case OptReferralHopLimit:
		return "referral_hop_limit"
	case OptNetworkTimeout:
		return "net_timeout"
	case OptServerTimeLimit:
		return "srv_timelimit"
	case OptProtocolVersion:
		return "ldap_version"
	case OptKeepaliveIdle:
		return "keepalive_idle"
	case OptKeepaliveProbes:
		return "keepalive_probes"
	case OptKeepaliveInterval:
		return "keepalive_interval"
	case OptTLSMode:
		return "tls_mode"
	case OptTLSCACertFile:
		return "ca_file"
	case OptTLSCACertDir:
		return "ca_path"
	case OptTLSCertFile:
		return "certificate_file"
	case OptTLSKeyFile:
		return "private_key_file"
	case OptTLSRequireCert:
		return "require_cert"
	case OptTLSNewContext:
		return "new_tls_ctx"
	case OptStartTLS:
		return "start_tls"
	case OptDebugLevel:
		return "debug_level"
	default:
		return "unknown"
	}
}

// ResultMode selects how many messages a retrieval returns.
type ResultMode int

const (
	ResultOne      ResultMode = iota // First message for the id
	ResultAll                        // Every message up to and including the final result
	ResultReceived                   // Every message received so far
)

func (m ResultMode) String() string {
	switch m {
	case ResultOne:
		return "one"
	case ResultAll:
		return "all"
	case ResultReceived:
		return "received"
	default:
		return "unknown"
	}
}

// MessageType identifies the protocol message kind.
type MessageType int

const (
	MessageSearchEntry MessageType = iota + 1
	MessageSearchReference
	MessageSearchResult
	MessageBindResult
	MessageModifyResult
	MessageExtended
	MessageIntermediate
)

// Message is a single response message.
type Message struct {
	ID                int
	Type              MessageType
	ResultCode        uint16
	MatchedDN         string
	DiagnosticMessage string
	Referrals         []string
	Controls          []ldap.Control
	Entry             *ldap.Entry
	ParseError        uint16 // Library code from parsing the message
}

// IsResult reports whether the message terminates its request.
func (m *Message) IsResult() bool {
	switch m.Type {
	case MessageSearchResult, MessageBindResult, MessageModifyResult, MessageExtended:
		return true
	default:
		return false
	}
}

// Envelope is the set of messages delivered by one retrieval.
type Envelope struct {
	Messages []*Message
	released bool
}

// CountEntries returns the number of search entries, or -1 for a released envelope.
func (e *Envelope) CountEntries() int {
	if e == nil || e.released {
		return -1
	}

	n := 0
	for _, msg := range e.Messages {
		if msg.Type == MessageSearchEntry {
			n++
		}
	}
	return n
}

// Entries returns the search entries in delivery order.
func (e *Envelope) Entries() []*ldap.Entry {
	if e == nil || e.released {
		return nil
	}

	var entries []*ldap.Entry
	for _, msg := range e.Messages {
		if msg.Type == MessageSearchEntry && msg.Entry != nil {
			entries = append(entries, msg.Entry)
		}
	}
	return entries
}

// Controls returns the controls of the terminating result message.
func (e *Envelope) Controls() []ldap.Control {
	if e == nil || e.released {
		return nil
	}

	for i := len(e.Messages) - 1; i >= 0; i-- {
		if e.Messages[i].IsResult() {
			return e.Messages[i].Controls
		}
	}
	return nil
}

// Release drops the messages. It is safe to call more than once.
func (e *Envelope) Release() {
	if e == nil {
		return
	}
	e.Messages = nil
	e.released = true
}

// Released reports whether Release has been called.
func (e *Envelope) Released() bool {
	return e == nil || e.released
}
