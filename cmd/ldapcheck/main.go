package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/isometry/ldapconn/internal/ldap"
)

const envPrefix = "ldapcheck"

// Exit codes by status.
const (
	exitOK = iota
	exitNoResult
	exitRejected
	exitBadDN
	exitUnavailable
	exitError
)

func main() {
	pflag.StringP("config", "c", "", "Configuration file (YAML, TOML or JSON)")
	pflag.StringP("server", "s", "", "LDAP server URI, overrides ldap.server")
	pflag.StringP("user", "u", "", "Bind as this user instead of the administrative identity")
	pflag.StringP("password", "p", "", "Password for --user")
	pflag.String("user-dn", "uid=%{user},ou=people,dc=example,dc=com", "DN template for --user")
	pflag.StringP("base", "b", "", "Search base DN; no search is made when empty")
	pflag.String("scope", "sub", "Search scope (base, one, sub, children)")
	pflag.StringP("filter", "f", "", "Search filter")
	pflag.StringSliceP("attr", "a", nil, "Attributes to return")
	pflag.BoolP("verbose", "v", false, "Be verbose")
	pflag.Parse()

	v := viper.New()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		fatal(exitError, err)
	}
	if err := v.BindPFlag("ldap.server", pflag.Lookup("server")); err != nil {
		fatal(exitError, err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range []string{"ldap.identity", "ldap.password", "ldap.port", "global.debug_level"} {
		_ = v.BindEnv(key)
	}
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			fatal(exitError, fmt.Errorf("read configuration: %w", err))
		}
	}

	ctx := tfsdklog.NewRootProviderLogger(context.Background(),
		tfsdklog.WithLogName(envPrefix),
		tfsdklog.WithLevelFromEnv("LDAPCHECK_LOG"),
		tfsdklog.WithoutLocation(),
	)
	ctx = ldap.NewLoggingContext(ctx, "LDAPCHECK_LOG")

	os.Exit(run(ctx, v))
}

func run(ctx context.Context, v *viper.Viper) int {
	cfg, err := ldap.LoadConfig(v, "ldap")
	if err != nil {
		return report(exitError, err)
	}

	global, err := ldap.LoadGlobalOptions(v, "global")
	if err != nil {
		return report(exitError, err)
	}

	reg := prometheus.NewRegistry()
	if v.GetBool("verbose") {
		defer func() {
			if err := writeOperations(os.Stdout, reg); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}()
	}

	lib := ldap.NewLibrary(ldap.NewGoLDAPEngine, ldap.WithMetrics(ldap.NewMetrics(reg)))
	if err := lib.Configure(ctx, global); err != nil {
		return report(exitError, err)
	}
	if err := lib.Init(ctx); err != nil {
		return report(exitError, err)
	}
	defer func() {
		_ = lib.Shutdown(ctx)
	}()

	conn, err := lib.Allocate(ctx, cfg)
	if err != nil {
		return report(exitError, err)
	}
	defer func() {
		_ = conn.Destroy(ctx)
	}()

	req := ldap.BindRequest{DN: cfg.Identity, Password: cfg.Password, SASL: &cfg.SASL}
	if user := v.GetString("user"); user != "" {
		req = ldap.BindRequest{
			DN:       userDN(v.GetString("user-dn"), user),
			Password: v.GetString("password"),
		}
	}

	status, err := conn.Bind(ctx, req)
	if status != ldap.StatusSuccess {
		if err != nil {
			ldap.LogLDAPError(ctx, ldap.SubsystemLDAP, "bind", err, map[string]any{"dn": req.DN})
		}
		return report(exitCode(status), err)
	}
	verbosef(v, "Bind as %q OK\n", req.DN)

	base := v.GetString("base")
	if base == "" {
		return exitOK
	}

	scope, err := ldap.ParseScope(v.GetString("scope"))
	if err != nil {
		return report(exitError, err)
	}

	result, status, err := conn.Search(ctx, &ldap.SearchRequest{
		BaseDN:     base,
		Scope:      scope,
		Filter:     v.GetString("filter"),
		Attributes: v.GetStringSlice("attr"),
	})
	if status != ldap.StatusSuccess {
		if err == nil {
			tflog.Info(ctx, conn.LastError())
		} else {
			ldap.LogLDAPError(ctx, ldap.SubsystemLDAP, "search", err, map[string]any{"base_dn": base})
		}
		return report(exitCode(status), err)
	}
	defer result.Release()

	for _, entry := range result.Entries() {
		fmt.Printf("dn: %s\n", entry.DN)
		for _, attr := range entry.Attributes {
			for _, value := range attr.Values {
				fmt.Printf("%s: %s\n", attr.Name, value)
			}
		}
		fmt.Println()
	}
	verbosef(v, "%d entries\n", result.Count())

	return exitOK
}

// userDN substitutes the escaped user name into template.
func userDN(template, user string) string {
	return strings.ReplaceAll(template, "%{user}", goldap.EscapeDN(user))
}

// writeOperations prints the operation counters collected by g, one
// "operation status: count" line per series.
func writeOperations(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	for _, family := range families {
		if family.GetName() != "ldap_operations_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			fmt.Fprintf(w, "%s %s: %.0f\n", labels["operation"], labels["status"], metric.GetCounter().GetValue())
		}
	}
	return nil
}

func exitCode(status ldap.Status) int {
	switch status {
	case ldap.StatusSuccess:
		return exitOK
	case ldap.StatusNoResult:
		return exitNoResult
	case ldap.StatusReject, ldap.StatusNotPermitted:
		return exitRejected
	case ldap.StatusBadDN:
		return exitBadDN
	case ldap.StatusBadConnection, ldap.StatusTimeout:
		return exitUnavailable
	default:
		return exitError
	}
}

func report(code int, err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ldap.IsRetryableError(err) {
			fmt.Fprintln(os.Stderr, "The server may be unavailable, try again later")
		}
	}
	return code
}

func verbosef(v *viper.Viper, format string, args ...any) {
	if v.GetBool("verbose") {
		fmt.Printf(format, args...)
	}
}

func fatal(code int, err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(code)
}
