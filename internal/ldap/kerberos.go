package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Config = "/etc/krb5.conf"

// newGSSAPIClient creates a GSSAPI client for a SASL GSSAPI bind.
// Priority order: credential cache → keytab → password.
func newGSSAPIClient(ctx context.Context, sasl *SASLConfig, identity, password string) (*gssapi.Client, error) {
	krb5conf := sasl.Krb5Config
	if krb5conf == "" {
		krb5conf = defaultKrb5Config
	}

	username, realm := splitPrincipal(identity, sasl.Realm)

	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s. "+
			"Either create %s or specify a custom path using 'sasl.krb5_config'. "+
			"Example minimal configuration:\n%s",
			krb5conf, krb5conf, exampleKrb5Conf(realm))
	}

	fields := map[string]any{
		"principal":   username,
		"realm":       realm,
		"krb5_config": krb5conf,
	}

	// Explicit cache, then the default one
	for _, ccache := range []string{sasl.CCache, defaultCCachePath()} {
		if !fileExists(ccache) {
			continue
		}
		LogKerberosEvent(ctx, "ccache_loaded", withFields(fields, map[string]any{"ccache": ccache}))
		return gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if username == "" {
		return nil, errors.New("no suitable Kerberos credentials found: provide sasl.ccache, or an identity with sasl.keytab or password")
	}
	if realm == "" {
		return nil, errors.New("kerberos realm is required (set sasl.realm or include realm in identity)")
	}

	for _, keytab := range []string{sasl.Keytab, defaultKeytabPath()} {
		if !fileExists(keytab) {
			continue
		}
		LogKerberosEvent(ctx, "keytab_loaded", withFields(fields, map[string]any{"keytab": keytab}))
		return gssapi.NewClientWithKeytab(username, realm, keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if password != "" {
		LogKerberosEvent(ctx, "password_login", fields)
		return gssapi.NewClientWithPassword(username, realm, password, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, errors.New("no suitable Kerberos credentials found: provide sasl.ccache, sasl.keytab or a password")
}

// servicePrincipal returns the SPN for host. The configured SPN wins.
func servicePrincipal(sasl *SASLConfig, host string) (string, error) {
	if sasl.SPN != "" {
		return sasl.SPN, nil
	}

	if host == "" {
		return "", errors.New("hostname is required for service principal")
	}

	return "ldap/" + host, nil
}

// splitPrincipal separates user@REALM. A configured realm overrides the one
// in the identity.
func splitPrincipal(identity, configuredRealm string) (username, realm string) {
	username, realm, _ = strings.Cut(identity, "@")
	if configuredRealm != "" {
		realm = configuredRealm
	}
	return username, realm
}

// defaultCCachePath returns the default credential cache location.
func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// defaultKeytabPath returns the default keytab location.
func defaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

// exampleKrb5Conf generates example krb5.conf content for error messages.
func exampleKrb5Conf(realm string) string {
	if realm == "" {
		realm = "YOUR.REALM.COM"
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_realm = false
    dns_lookup_kdc = false

[realms]
    %s = {
        kdc = kdc.%s:88
    }`, realm, realm, strings.ToLower(realm))
}
