package ldap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// referralRebinder binds on behalf of the engine when it follows a referral.
type referralRebinder struct {
	conn *Conn
}

// Rebind authenticates to url, either with credentials carried by the URL's
// bindname and x-bindpw extensions or with the administrative identity. It
// returns a raw result code.
func (r *referralRebinder) Rebind(ctx context.Context, rawURL string) uint16 {
	c := r.conn
	cfg := c.config

	c.referred.Store(true)
	c.rebound.Store(true)

	tflog.SubsystemDebug(ctx, SubsystemReferral, "Rebinding to referral URL", c.fields(SanitizeFields(map[string]any{"url": rawURL})))

	identity, password := cfg.Identity, cfg.Password
	if cfg.UseReferralCredentials {
		ref, err := ParseReferralURL(rawURL)
		if err != nil {
			tflog.SubsystemError(ctx, SubsystemReferral, "Failed parsing LDAP URL",
				c.fields(SanitizeFields(map[string]any{"url": rawURL, "error": err.Error()})))
			return ldap.LDAPResultOther
		}

		identity, password, err = ref.credentials(ctx, c)
		if err != nil {
			tflog.SubsystemError(ctx, SubsystemReferral, "Failed parsing referral extensions",
				c.fields(map[string]any{"error": err.Error()}))
			return ldap.LDAPResultOther
		}
	}

	status, err := c.Bind(ctx, BindRequest{
		DN:       identity,
		Password: password,
		SASL:     &cfg.SASL,
	})
	if status == StatusSuccess {
		return ldap.LDAPResultSuccess
	}

	var resultErr *ResultError
	if errors.As(err, &resultErr) && resultErr.LibCode != ldap.LDAPResultSuccess {
		return resultErr.LibCode
	}
	return ldap.LDAPResultOther
}

// ReferralURL is a parsed LDAP URL as carried in a referral (RFC 4516).
type ReferralURL struct {
	Scheme     string
	Host       string
	DN         string
	Attributes []string
	Scope      string
	Filter     string
	Extensions []string // Unescaped, still carrying any leading '!'
}

// ParseReferralURL parses an LDAP URL of the form
// scheme://host/dn?attributes?scope?filter?extensions.
func ParseReferralURL(raw string) (*ReferralURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "ldap", "ldaps", "ldapi":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	ref := &ReferralURL{
		Scheme: u.Scheme,
		Host:   u.Host,
		DN:     strings.TrimPrefix(u.Path, "/"),
	}

	if u.RawQuery == "" {
		return ref, nil
	}

	parts := strings.Split(u.RawQuery, "?")
	if len(parts) > 4 {
		return nil, fmt.Errorf("too many URL components in %q", raw)
	}

	field := func(i int) (string, error) {
		if i >= len(parts) {
			return "", nil
		}
		return url.PathUnescape(parts[i])
	}

	attrs, err := field(0)
	if err != nil {
		return nil, fmt.Errorf("invalid attributes: %w", err)
	}
	if attrs != "" {
		ref.Attributes = strings.Split(attrs, ",")
	}

	if ref.Scope, err = field(1); err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	switch ref.Scope {
	case "", "base", "one", "sub", "children":
	default:
		return nil, fmt.Errorf("invalid scope %q", ref.Scope)
	}

	if ref.Filter, err = field(2); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	if len(parts) == 4 && parts[3] != "" {
		// Extensions are split before unescaping so that an escaped comma
		// stays inside its value.
		for _, ext := range strings.Split(parts[3], ",") {
			unescaped, err := url.PathUnescape(ext)
			if err != nil {
				return nil, fmt.Errorf("invalid extension %q: %w", ext, err)
			}
			ref.Extensions = append(ref.Extensions, unescaped)
		}
	}

	return ref, nil
}

// credentials extracts the bind identity and password from the URL's
// extensions. Both start empty so a URL without them binds anonymously.
func (r *ReferralURL) credentials(ctx context.Context, c *Conn) (identity, password string, err error) {
	for _, ext := range r.Extensions {
		name, critical := strings.CutPrefix(ext, "!")

		key, value, found := strings.Cut(name, "=")
		if !supportedExtensions[strings.ToLower(key)] {
			if critical {
				return "", "", fmt.Errorf("critical extension %q not supported", ext)
			}
			tflog.SubsystemDebug(ctx, SubsystemReferral, fmt.Sprintf("Skipping unsupported extension \"%s\"", ext), c.fields(nil))
			continue
		}

		if !found {
			return "", "", fmt.Errorf("extension %q: no attribute/value delimiter '='", ext)
		}

		switch strings.ToLower(key) {
		case ExtBindName:
			identity = value
		case ExtBindPW:
			password = value
		}
	}

	return identity, password, nil
}
