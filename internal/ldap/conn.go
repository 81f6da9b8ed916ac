package ldap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Conn is one session to a directory server. A Conn is driven by one caller
// at a time. Referral rebinds run on engine goroutines, so the state they
// touch is synchronized.
type Conn struct {
	id      string
	uri     string
	config  *Config
	engine  Engine
	caps    Capabilities
	metrics *Metrics

	rebound  atomic.Bool // Administrative bind pending before the next privileged operation
	referred atomic.Bool // At least one referral was followed

	mu          sync.Mutex
	serverCtrls []ldap.Control
	clientCtrls []ldap.Control
	lastError   string

	results  map[*Result]struct{}
	lastUsed time.Time
}

// optionSetting is one engine option applied during allocation.
type optionSetting struct {
	opt   Option
	value any
}

// allocate creates an engine for cfg and applies every option in order.
func allocate(ctx context.Context, cfg *Config, factory EngineFactory, caps Capabilities, metrics *Metrics, global GlobalOptions) (*Conn, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:      uuid.NewString(),
		uri:     uri,
		config:  cfg,
		caps:    caps,
		metrics: metrics,
		results: make(map[*Result]struct{}),
	}

	engine, err := factory(ctx, uri)
	if err != nil {
		LogConnectionEvent(ctx, "connection_failed", c.fields(map[string]any{
			"server": uri,
			"error":  err.Error(),
		}))
		return nil, fmt.Errorf("initialize handle for %s: %w", uri, err)
	}
	c.engine = engine

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "New engine handle", c.fields(nil))

	for _, setting := range c.optionSettings(ctx, global) {
		if err := engine.SetOption(setting.opt, setting.value); err != nil {
			c.setLastError(fmt.Sprintf("Failed setting connection option %s: %s", setting.opt, err))
			LogConnectionEvent(ctx, "option_failed", c.fields(map[string]any{
				"option": setting.opt.String(),
				"error":  err.Error(),
			}))
			_ = engine.Unbind(nil, nil)
			c.engine = nil
			return nil, fmt.Errorf("set connection option %s: %w", setting.opt, err)
		}

		if setting.opt == OptReferrals && setting.value == true && cfg.Rebind {
			engine.SetRebinder(&referralRebinder{conn: c})
		}
	}

	LogConnectionEvent(ctx, "connection_established", c.fields(map[string]any{"server": uri}))
	return c, nil
}

// optionSettings lists the options for c's configuration in application order.
func (c *Conn) optionSettings(ctx context.Context, global GlobalOptions) []optionSetting {
	cfg := c.config
	var settings []optionSetting

	if cfg.Dereference != DerefUnset {
		settings = append(settings, optionSetting{OptDereference, cfg.Dereference.Value()})
	}

	if cfg.ChaseReferrals != nil {
		settings = append(settings, optionSetting{OptReferrals, *cfg.ChaseReferrals})
	}
	settings = append(settings, optionSetting{OptReferralHopLimit, cfg.ReferralHopLimit})

	if c.caps.NetworkTimeout {
		settings = append(settings, optionSetting{OptNetworkTimeout, cfg.NetworkTimeout})
	}
	settings = append(settings,
		optionSetting{OptServerTimeLimit, cfg.ServerTimeLimit},
		optionSetting{OptProtocolVersion, ProtocolVersion},
	)

	if c.caps.Keepalive {
		if cfg.Keepalive.Idle > 0 {
			settings = append(settings, optionSetting{OptKeepaliveIdle, cfg.Keepalive.Idle})
		}
		if cfg.Keepalive.Probes > 0 {
			settings = append(settings, optionSetting{OptKeepaliveProbes, cfg.Keepalive.Probes})
		}
		if cfg.Keepalive.Interval > 0 {
			settings = append(settings, optionSetting{OptKeepaliveInterval, cfg.Keepalive.Interval})
		}
	}

	if global.DebugLevel > 0 {
		settings = append(settings, optionSetting{OptDebugLevel, global.DebugLevel})
	}

	if !cfg.TLS.Configured() {
		return settings
	}

	tlsCfg := cfg.TLS
	if tlsCfg.Mode != TLSModeUnset {
		settings = append(settings, optionSetting{OptTLSMode, tlsCfg.Mode})
	}
	if tlsCfg.CAFile != "" {
		settings = append(settings, optionSetting{OptTLSCACertFile, tlsCfg.CAFile})
	}
	if tlsCfg.CAPath != "" {
		settings = append(settings, optionSetting{OptTLSCACertDir, tlsCfg.CAPath})
	}
	if tlsCfg.CertificateFile != "" {
		settings = append(settings, optionSetting{OptTLSCertFile, tlsCfg.CertificateFile})
	}
	if tlsCfg.PrivateKeyFile != "" {
		settings = append(settings, optionSetting{OptTLSKeyFile, tlsCfg.PrivateKeyFile})
	}
	if tlsCfg.RequireCert != RequireCertUnset {
		settings = append(settings, optionSetting{OptTLSRequireCert, tlsCfg.RequireCert})
	}
	settings = append(settings, optionSetting{OptTLSNewContext, 0})

	if tlsCfg.StartTLS {
		if cfg.EffectivePort() == 636 {
			tflog.SubsystemWarn(ctx, SubsystemLDAP,
				"Told to Start TLS on LDAPS port this will probably fail, please correct the configuration",
				c.fields(nil))
		}
		if c.caps.StartTLS {
			settings = append(settings, optionSetting{OptStartTLS, true})
		}
	}

	return settings
}

// Destroy unbinds from the server and releases the handle. Outstanding
// results are released first and the unbind carries the controls that were
// attached at the time of the call.
func (c *Conn) Destroy(ctx context.Context) error {
	if c.engine == nil {
		return ErrNoHandle
	}

	for r := range c.results {
		r.release()
	}

	serverCtrls, clientCtrls := c.detachControls()

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Closing engine handle", c.fields(nil))

	err := c.engine.Unbind(serverCtrls, clientCtrls)
	if err != nil {
		LogConnectionEvent(ctx, "unbind_failed", c.fields(map[string]any{"error": err.Error()}))
	}
	c.engine = nil

	LogConnectionEvent(ctx, "connection_destroyed", c.fields(nil))
	return err
}

// Active reports whether c still holds an engine handle.
func (c *Conn) Active() bool {
	return c.engine != nil
}

// SetNetworkTimeout overrides the network timeout for subsequent connects.
// Zero means no timeout.
func (c *Conn) SetNetworkTimeout(d time.Duration) error {
	if c.engine == nil {
		return ErrNoHandle
	}
	if err := c.engine.SetOption(OptNetworkTimeout, d); err != nil {
		c.setLastError(fmt.Sprintf("Failed setting connection option %s: %s", OptNetworkTimeout, err))
		return fmt.Errorf("set connection option %s: %w", OptNetworkTimeout, err)
	}
	return nil
}

// ResetNetworkTimeout restores the configured network timeout.
func (c *Conn) ResetNetworkTimeout() error {
	return c.SetNetworkTimeout(c.config.NetworkTimeout)
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Config returns the shared configuration.
func (c *Conn) Config() *Config {
	return c.config
}

// Referred reports whether a referral has been followed on c.
func (c *Conn) Referred() bool {
	return c.referred.Load()
}

// Rebound reports whether an administrative bind is pending.
func (c *Conn) Rebound() bool {
	return c.rebound.Load()
}

// LastError returns the diagnostic text of the most recent operation.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Conn) setLastError(text string) {
	c.mu.Lock()
	c.lastError = text
	c.mu.Unlock()
}

// ErrorString returns the text for the engine's last library code, or
// "unknown" when that code is success.
func (c *Conn) ErrorString() string {
	if c.engine == nil {
		return "unknown"
	}

	code := c.engine.ErrorNumber()
	if code == ldap.LDAPResultSuccess {
		return "unknown"
	}
	return codeText(code)
}

// LogTimeouts logs the timeouts in effect for an operation.
func (c *Conn) LogTimeouts(ctx context.Context, operation string) {
	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Timeout settings", c.fields(map[string]any{
		"operation":        operation,
		"net_timeout":      c.config.NetworkTimeout.String(),
		"client_timeout":   c.config.ResultTimeout.String(),
		"server_timelimit": c.config.ServerTimeLimit.String(),
	}))
}

// fields returns log fields identifying c merged with extra.
func (c *Conn) fields(extra map[string]any) map[string]any {
	return withFields(map[string]any{
		"connection": c.config.Name,
		"conn_id":    c.id,
	}, extra)
}
