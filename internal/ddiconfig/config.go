// Package ddiconfig defines the agent's runtime configuration: the DDI
// server location, the controller's identity, TLS policy, timeouts, and the
// local bundle path the installer reads from. Validation happens once, at
// startup, so every other package can treat a *Config as already sane.
package ddiconfig

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default tuning values, folded in from the smaller constants file the
// teacher kept alongside its session manager.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
	DefaultRetryWaitSeconds = 30
	DefaultPollIntervalSec  = 1
	DefaultRedirectLimit    = 8
	DefaultSlowTransferSec  = 60
	DefaultSlowTransferRate = 100 // bytes/sec

	// UserAgent is the fixed product string sent with every DDI request.
	UserAgent = "ddiagent/1.0 (hawkBit DDI client)"
)

// Config is the full set of parameters the agent needs to talk to a DDI
// server and to manage one deployment at a time.
type Config struct {
	// Host is the DDI server's host[:port], e.g. "hawkbit.example.com:8080".
	Host string `validate:"required,hostname_port|hostname|ip"`

	// TenantID identifies the tenant the controller belongs to.
	TenantID string `validate:"required"`

	// ControllerID is this device's identity in the DDI URL scheme.
	ControllerID string `validate:"required"`

	// TLS enables https:// instead of http://.
	TLS bool

	// InsecureSkipVerify disables peer certificate verification. Only ever
	// meant for bring-up against a self-signed test server.
	InsecureSkipVerify bool

	// TargetToken and GatewayToken are mutually exclusive auth schemes; at
	// most one may be set. TargetToken is preferred when both are present.
	TargetToken  string `validate:"excluded_with=GatewayToken"`
	GatewayToken string `validate:"excluded_with=TargetToken"`

	// ConnectTimeout bounds TCP+TLS handshake time; RequestTimeout bounds the
	// full request including body transfer.
	ConnectTimeout time.Duration `validate:"required"`
	RequestTimeout time.Duration `validate:"required"`

	// DefaultRetryWaitSeconds is used when the server's poll response omits
	// a sleep interval, and as the circuit breaker's open-state timeout.
	DefaultRetryWaitSeconds int `validate:"gt=0"`

	// BundleDir is the local directory bundles are downloaded into. Files
	// are named by action id.
	BundleDir string `validate:"required"`

	// RebootAfterInstall requests a reboot once an installed deployment
	// reports success.
	RebootAfterInstall bool

	// DeviceData is reported verbatim via the configData identify link.
	DeviceData map[string]string

	// OneShot exits after a single poll cycle instead of looping forever.
	// Intended for cron-driven invocation rather than a resident daemon.
	OneShot bool
}

// Validate checks cfg against its struct tags and a few cross-field rules
// the tag language can't express directly.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("ddiconfig: nil config")
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("ddiconfig: invalid configuration: %w", err)
	}

	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("ddiconfig: connect timeout must be positive")
	}
	if cfg.RequestTimeout < cfg.ConnectTimeout {
		return fmt.Errorf("ddiconfig: request timeout must be >= connect timeout")
	}

	return nil
}

// WithDefaults returns a copy of cfg with zero-valued tunables replaced by
// package defaults. Required identity fields (Host, TenantID, ControllerID,
// BundleDir) are left untouched — callers must set those explicitly.
func WithDefaults(cfg Config) Config {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DefaultRetryWaitSeconds == 0 {
		cfg.DefaultRetryWaitSeconds = DefaultRetryWaitSeconds
	}
	return cfg
}

// AuthHeader returns the header name and value to attach to every request,
// preferring TargetToken over GatewayToken when both happen to be set.
func (c *Config) AuthHeader() (name, value string, ok bool) {
	if c.TargetToken != "" {
		return "Authorization", "TargetToken " + c.TargetToken, true
	}
	if c.GatewayToken != "" {
		return "Authorization", "GatewayToken " + c.GatewayToken, true
	}
	return "", "", false
}

// BaseURL returns this controller's DDI root URL,
// scheme://host/tenant/controller/v1/controllerID, with no trailing slash.
func (c *Config) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/controller/v1/%s", scheme, c.Host, c.TenantID, c.ControllerID)
}
