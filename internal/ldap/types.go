package ldap

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Scope defines the breadth of a search relative to its base.
type Scope int

const (
	ScopeBase     Scope = ldap.ScopeBaseObject
	ScopeOne      Scope = ldap.ScopeSingleLevel
	ScopeSub      Scope = ldap.ScopeWholeSubtree
	ScopeChildren Scope = 3 // Subordinate subtree, RFC draft-sermersheim-ldap-subordinate-scope
)

var scopeNames = map[string]Scope{
	"base":     ScopeBase,
	"one":      ScopeOne,
	"sub":      ScopeSub,
	"children": ScopeChildren,
}

// ParseScope parses a scope name.
func ParseScope(s string) (Scope, error) {
	return lookupName(scopeNames, s, "scope")
}

func (s Scope) String() string {
	return nameOf(scopeNames, s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	v, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Dereference defines alias dereferencing behavior. The zero value leaves the
// engine default in place.
type Dereference int

const (
	DerefUnset Dereference = iota
	DerefNever
	DerefSearching
	DerefFinding
	DerefAlways
)

var derefNames = map[string]Dereference{
	"never":     DerefNever,
	"searching": DerefSearching,
	"finding":   DerefFinding,
	"always":    DerefAlways,
}

// ParseDereference parses a dereference policy name.
func ParseDereference(s string) (Dereference, error) {
	return lookupName(derefNames, s, "dereference policy")
}

func (d Dereference) String() string {
	if d == DerefUnset {
		return ""
	}
	return nameOf(derefNames, d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dereference) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = DerefUnset
		return nil
	}
	v, err := ParseDereference(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Value returns the protocol value for the policy.
func (d Dereference) Value() int {
	switch d {
	case DerefSearching:
		return ldap.DerefInSearching
	case DerefFinding:
		return ldap.DerefFindingBaseObj
	case DerefAlways:
		return ldap.DerefAlways
	default:
		return ldap.NeverDerefAliases
	}
}

// RequireCert defines server certificate verification. The zero value leaves
// the engine default in place.
type RequireCert int

const (
	RequireCertUnset RequireCert = iota
	RequireCertNever
	RequireCertDemand
	RequireCertAllow
	RequireCertTry
	RequireCertHard
)

var requireCertNames = map[string]RequireCert{
	"never":  RequireCertNever,
	"demand": RequireCertDemand,
	"allow":  RequireCertAllow,
	"try":    RequireCertTry,
	"hard":   RequireCertHard,
}

// ParseRequireCert parses a certificate verification policy name.
func ParseRequireCert(s string) (RequireCert, error) {
	return lookupName(requireCertNames, s, "require_cert policy")
}

func (r RequireCert) String() string {
	if r == RequireCertUnset {
		return ""
	}
	return nameOf(requireCertNames, r)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RequireCert) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = RequireCertUnset
		return nil
	}
	v, err := ParseRequireCert(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Verify reports whether the policy requires a valid server certificate.
func (r RequireCert) Verify() bool {
	return r != RequireCertNever && r != RequireCertAllow
}

// TLSMode selects how TLS is negotiated.
type TLSMode int

const (
	TLSModeUnset TLSMode = iota // TLS follows the URL scheme
	TLSModeHard                 // TLS from the first byte regardless of scheme
)

var tlsModeNames = map[string]TLSMode{
	"hard": TLSModeHard,
}

func (m TLSMode) String() string {
	if m == TLSModeUnset {
		return ""
	}
	return nameOf(tlsModeNames, m)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *TLSMode) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*m = TLSModeUnset
		return nil
	}
	v, err := lookupName(tlsModeNames, string(text), "tls mode")
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// SASLMech names a SASL mechanism. The empty mechanism selects a simple bind.
type SASLMech string

const (
	SASLNone      SASLMech = ""
	SASLExternal  SASLMech = "EXTERNAL"
	SASLDigestMD5 SASLMech = "DIGEST-MD5"
	SASLGSSAPI    SASLMech = "GSSAPI"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SASLMech) UnmarshalText(text []byte) error {
	switch v := SASLMech(strings.ToUpper(strings.TrimSpace(string(text)))); v {
	case SASLNone, SASLExternal, SASLDigestMD5, SASLGSSAPI:
		*m = v
		return nil
	default:
		return fmt.Errorf("unsupported SASL mechanism %q", string(text))
	}
}

// Referral URL extensions understood by the rebind handler.
const (
	ExtBindName = "bindname"
	ExtBindPW   = "x-bindpw"
)

var supportedExtensions = map[string]bool{
	ExtBindName: true,
	ExtBindPW:   true,
}

// SearchRequest encapsulates search parameters.
type SearchRequest struct {
	BaseDN         string
	Scope          Scope
	Filter         string // Pre-escaped filter, empty for an unfiltered search
	Attributes     []string
	ServerControls []ldap.Control
	ClientControls []ldap.Control
	DiscardResult  bool // Release the result before returning
}

// BindRequest encapsulates bind parameters.
type BindRequest struct {
	DN             string // Empty for an anonymous bind
	Password       string
	SASL           *SASLConfig   // Nil or empty mechanism for a simple bind
	Timeout        time.Duration // Zero uses the configured result timeout
	ServerControls []ldap.Control
	ClientControls []ldap.Control
}

// ModifyRequest encapsulates modify parameters.
type ModifyRequest struct {
	DN             string
	Changes        []ldap.Change
	ServerControls []ldap.Control
	ClientControls []ldap.Control
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle      int           // Idle connections
	Active    int64         // Active (in-use) connections
	Created   int64         // Total connections created
	Discarded int64         // Connections destroyed after a bad-connection result or failed health check
	Errors    int64         // Total allocation errors
	Uptime    time.Duration // Pool uptime
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

func lookupName[T comparable](table map[string]T, name, kind string) (T, error) {
	v, ok := table[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		var zero T
		return zero, fmt.Errorf("invalid %s %q", kind, name)
	}
	return v, nil
}

func nameOf[T comparable](table map[string]T, v T) string {
	for name, tv := range table {
		if tv == v {
			return name
		}
	}
	return "unknown"
}
