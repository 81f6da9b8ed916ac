package ldap

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/mod/semver"
)

// Library holds process-wide engine state. Init and Shutdown are reference
// counted: the first Init creates a global engine handle and checks the
// engine version, the matching last Shutdown tears the handle down.
type Library struct {
	mu         sync.Mutex
	refs       int
	factory    EngineFactory
	global     Engine
	caps       Capabilities
	opts       GlobalOptions
	configured bool
	metrics    *Metrics
	buildInfo  func() (*debug.BuildInfo, bool)
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithMetrics records operation metrics for every connection the library allocates.
func WithMetrics(m *Metrics) LibraryOption {
	return func(l *Library) {
		l.metrics = m
	}
}

// WithBuildInfo overrides where the linked engine version is read from.
func WithBuildInfo(fn func() (*debug.BuildInfo, bool)) LibraryOption {
	return func(l *Library) {
		l.buildInfo = fn
	}
}

// NewLibrary creates a Library whose engines come from factory.
func NewLibrary(factory EngineFactory, opts ...LibraryOption) *Library {
	l := &Library{
		factory:   factory,
		buildInfo: debug.ReadBuildInfo,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init takes a reference on the library, performing global setup on the first call.
func (l *Library) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs > 0 {
		l.refs++
		return nil
	}

	// A throwaway handle created once up front keeps engine-wide setup
	// from racing with the first connection.
	global, err := l.factory(ctx, "")
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemLDAP, "Failed initialising global LDAP handle", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("initialize global handle: %w", err)
	}
	l.global = global

	l.caps = Capabilities{}
	if reporter, ok := global.(CapabilityReporter); ok {
		l.caps = reporter.Capabilities()
	}

	if l.configured && l.opts.DebugLevel > 0 {
		if err := global.SetOption(OptDebugLevel, l.opts.DebugLevel); err != nil {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Failed setting global option debug_level", map[string]any{
				"error": err.Error(),
			})
		}
	}

	l.checkVersion(ctx)

	l.refs++
	return nil
}

// Shutdown drops a reference, tearing down global state when the last one goes.
func (l *Library) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return nil
	}

	l.refs--
	if l.refs > 0 {
		return nil
	}

	global := l.global
	l.global = nil
	if global == nil {
		return nil
	}

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Tearing down global LDAP handle")

	if err := global.Unbind(nil, nil); err != nil {
		return fmt.Errorf("tear down global handle: %w", err)
	}
	return nil
}

// Configure applies process-wide options. Only the first call has any effect.
func (l *Library) Configure(ctx context.Context, opts GlobalOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.configured {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Global options already applied, ignoring")
		return nil
	}

	if l.global != nil && opts.DebugLevel > 0 {
		if err := l.global.SetOption(OptDebugLevel, opts.DebugLevel); err != nil {
			tflog.SubsystemError(ctx, SubsystemLDAP, fmt.Sprintf("Failed setting global option debug_level: %s", err))
			return fmt.Errorf("set global option debug_level: %w", err)
		}
	}

	// crypto/rand is the only randomness source for TLS.
	if opts.TLSRandomFile != "" {
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "tls_random_file not honoured, TLS uses the system random source", map[string]any{
			"tls_random_file": opts.TLSRandomFile,
		})
	}

	l.opts = opts
	l.configured = true
	return nil
}

// Allocate creates a connection for cfg. The library must be initialized.
func (l *Library) Allocate(ctx context.Context, cfg *Config) (*Conn, error) {
	l.mu.Lock()
	refs, caps, opts := l.refs, l.caps, l.opts
	l.mu.Unlock()

	if refs == 0 {
		return nil, ErrNotInitialized
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return allocate(ctx, cfg, l.factory, caps, l.metrics, opts)
}

// Capabilities returns the engine capabilities resolved at Init.
func (l *Library) Capabilities() Capabilities {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps
}

// Refs returns the current reference count.
func (l *Library) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// checkVersion compares the linked engine module against the one this
// package was built against. Mismatches only produce warnings.
func (l *Library) checkVersion(ctx context.Context) {
	info, ok := l.buildInfo()

	var linked *debug.Module
	if ok && info != nil {
		for _, dep := range info.Deps {
			if dep.Path != goLDAPVendor {
				continue
			}
			linked = dep
			if dep.Replace != nil {
				linked = dep.Replace
			}
			break
		}
	}

	if linked == nil {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Falling back to build time go-ldap version info")
		tflog.SubsystemInfo(ctx, SubsystemLDAP, fmt.Sprintf("ldap - go-ldap vendor: %s, version: %s", goLDAPVendor, goLDAPVersion))
		return
	}

	if !strings.Contains(strings.ToLower(linked.Path), strings.ToLower(goLDAPVendor)) {
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "ldap - go-ldap vendor changed since the module was built")
		tflog.SubsystemWarn(ctx, SubsystemLDAP, fmt.Sprintf("ldap - linked: %s, built: %s", linked.Path, goLDAPVendor))
	}

	if semver.IsValid(linked.Version) && semver.Compare(linked.Version, goLDAPVersion) < 0 {
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "ldap - go-ldap older than the version the module was built against")
		tflog.SubsystemWarn(ctx, SubsystemLDAP, fmt.Sprintf("ldap - linked: %s, built: %s", linked.Version, goLDAPVersion))
	}

	tflog.SubsystemInfo(ctx, SubsystemLDAP, fmt.Sprintf("ldap - go-ldap vendor: %s, version: %s", linked.Path, linked.Version))
}

var defaultLibrary = NewLibrary(NewGoLDAPEngine)

// Init initializes the default library.
func Init(ctx context.Context) error {
	return defaultLibrary.Init(ctx)
}

// Shutdown releases a reference on the default library.
func Shutdown(ctx context.Context) error {
	return defaultLibrary.Shutdown(ctx)
}

// Configure applies process-wide options to the default library.
func Configure(ctx context.Context, opts GlobalOptions) error {
	return defaultLibrary.Configure(ctx, opts)
}

// Allocate creates a connection from the default library.
func Allocate(ctx context.Context, cfg *Config) (*Conn, error) {
	return defaultLibrary.Allocate(ctx, cfg)
}
