package ldap

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

// Config describes how connections to one directory server are made. It is
// shared read-only by every connection allocated from it and must not be
// modified after Validate.
type Config struct {
	Name   string `mapstructure:"name" default:"ldap"`        // Log prefix
	Server string `mapstructure:"server" validate:"required"` // ldap://, ldaps:// or bare host
	Port   int    `mapstructure:"port" validate:"gte=0,lte=65535"`

	// Administrative credentials
	Identity string     `mapstructure:"identity"`
	Password string     `mapstructure:"password"`
	SASL     SASLConfig `mapstructure:"sasl"`

	// Referral policy
	Dereference            Dereference `mapstructure:"dereference"`
	ChaseReferrals         *bool       `mapstructure:"chase_referrals"` // Nil leaves the engine default
	Rebind                 bool        `mapstructure:"rebind"`
	UseReferralCredentials bool        `mapstructure:"use_referral_credentials"`
	ReferralHopLimit       int         `mapstructure:"referral_hop_limit" default:"5" validate:"gte=1,lte=64"`

	// Timeouts
	NetworkTimeout  time.Duration `mapstructure:"net_timeout" default:"10s" validate:"gte=0"`   // Zero is infinite
	ResultTimeout   time.Duration `mapstructure:"res_timeout" default:"20s" validate:"gte=0"`   // Client-side wait for results
	ServerTimeLimit time.Duration `mapstructure:"srv_timelimit" default:"20s" validate:"gte=0"` // Sent with every search

	Keepalive KeepaliveConfig `mapstructure:"keepalive"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Pool      PoolConfig      `mapstructure:"pool"`
}

// SASLConfig holds SASL mechanism parameters.
type SASLConfig struct {
	Mech       SASLMech `mapstructure:"mech"`
	Proxy      string   `mapstructure:"proxy"` // Authorization identity
	Realm      string   `mapstructure:"realm"`
	Keytab     string   `mapstructure:"keytab"`      // GSSAPI only
	Krb5Config string   `mapstructure:"krb5_config"` // GSSAPI only
	CCache     string   `mapstructure:"ccache"`      // GSSAPI only
	SPN        string   `mapstructure:"spn"`         // GSSAPI only, overrides ldap/<host>
}

// Enabled reports whether a SASL mechanism is configured.
func (s *SASLConfig) Enabled() bool {
	return s != nil && s.Mech != SASLNone
}

// KeepaliveConfig holds TCP keepalive parameters. Zero disables a parameter.
type KeepaliveConfig struct {
	Idle     time.Duration `mapstructure:"idle" default:"60s" validate:"gte=0"`
	Probes   int           `mapstructure:"probes" default:"3" validate:"gte=0"`
	Interval time.Duration `mapstructure:"interval" default:"30s" validate:"gte=0"`
}

// TLSConfig holds TLS material and policy.
type TLSConfig struct {
	Mode            TLSMode     `mapstructure:"mode"`
	StartTLS        bool        `mapstructure:"start_tls"`
	CAFile          string      `mapstructure:"ca_file" validate:"omitempty,file"`
	CAPath          string      `mapstructure:"ca_path" validate:"omitempty,dir"`
	CertificateFile string      `mapstructure:"certificate_file" validate:"omitempty,file"`
	PrivateKeyFile  string      `mapstructure:"private_key_file" validate:"omitempty,file"`
	RequireCert     RequireCert `mapstructure:"require_cert"`
}

// Configured reports whether any TLS setting was supplied.
func (t *TLSConfig) Configured() bool {
	return t.Mode != TLSModeUnset || t.StartTLS || t.CAFile != "" || t.CAPath != "" ||
		t.CertificateFile != "" || t.RequireCert != RequireCertUnset
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConnections int           `mapstructure:"max_connections" default:"10" validate:"gte=1,lte=100"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time" default:"5m" validate:"gt=0"`
	HealthCheck    time.Duration `mapstructure:"health_check" default:"30s" validate:"gte=0"` // Zero disables
}

// GlobalOptions are settings that apply to the engine process-wide.
type GlobalOptions struct {
	DebugLevel    int    `mapstructure:"debug_level" validate:"gte=0"`
	TLSRandomFile string `mapstructure:"tls_random_file" validate:"omitempty,file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("ldap: invalid default tags: %v", err))
	}
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.URI(); err != nil {
		return err
	}

	if (c.TLS.CertificateFile == "") != (c.TLS.PrivateKeyFile == "") {
		return errors.New("tls certificate_file and private_key_file must be set together")
	}

	if c.UseReferralCredentials && !c.Rebind {
		return errors.New("use_referral_credentials requires rebind")
	}

	return nil
}

// URI returns the server URI with the configured port applied.
func (c *Config) URI() (string, error) {
	u, err := c.parseServer()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// EffectivePort returns the port connections will use.
func (c *Config) EffectivePort() int {
	u, err := c.parseServer()
	if err != nil {
		return c.Port
	}

	if p := u.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}

	if u.Scheme == "ldaps" {
		return 636
	}
	return 389
}

// Host returns the server host name without port.
func (c *Config) Host() string {
	u, err := c.parseServer()
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (c *Config) parseServer() (*url.URL, error) {
	raw := c.Server
	if raw == "" {
		return nil, errors.New("server must be specified")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ldap://" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid server %q: %w", raw, err)
		}
	}

	switch u.Scheme {
	case "ldap", "ldaps":
	default:
		return nil, fmt.Errorf("invalid server %q: unsupported scheme %q", raw, u.Scheme)
	}

	if c.Port > 0 && u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(c.Port))
	}

	return u, nil
}

// LoadConfig decodes the configuration stored under key, applies defaults and
// validates it.
func LoadConfig(v *viper.Viper, key string) (*Config, error) {
	cfg := DefaultConfig()

	raw, ok := section(v, key)
	if !ok {
		return nil, fmt.Errorf("configuration section %q not found", key)
	}

	if err := decodeConfig(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadGlobalOptions decodes process-wide options stored under key.
func LoadGlobalOptions(v *viper.Viper, key string) (GlobalOptions, error) {
	var opts GlobalOptions

	raw, ok := section(v, key)
	if !ok {
		return opts, nil
	}

	if err := decodeConfig(raw, &opts); err != nil {
		return opts, fmt.Errorf("decode global options: %w", err)
	}

	if err := validate.Struct(&opts); err != nil {
		return opts, fmt.Errorf("invalid global options: %w", err)
	}

	return opts, nil
}

// section returns the settings under key. Unlike viper's Sub it includes
// values bound from the environment and flags.
func section(v *viper.Viper, key string) (map[string]any, bool) {
	raw := v.AllSettings()
	if key == "" {
		return raw, true
	}

	sub, ok := raw[strings.ToLower(key)].(map[string]any)
	return sub, ok
}

func decodeConfig(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           output,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
