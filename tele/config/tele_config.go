// Separate package is workaround to import cycles.
package tele_config

import (
	"time"

	"github.com/cloudtele/cloudtele/helpers"
)

type Config struct { //nolint:maligned
	Enabled  bool   `hcl:"enable"`
	Region   string `hcl:"region"`
	Email    string `hcl:"email"`
	Password string `hcl:"password"` // secret
	LogDebug bool   `hcl:"log_debug"`

	// explicit endpoints override region selection
	APIURL    string `hcl:"api_url"`
	StreamURL string `hcl:"stream_url"`

	KeepaliveSec      int `hcl:"keepalive_sec"`
	NetworkTimeoutSec int `hcl:"network_timeout_sec"`
	AckTimeoutSec     int `hcl:"ack_timeout_sec"`

	RetryDelaySec int     `hcl:"retry_delay_sec"`
	RetryMaxSec   int     `hcl:"retry_max_sec"`
	RetryCeiling  int     `hcl:"retry_ceiling"`  // reconnect attempts before fatal, 0=unlimited
	RefreshMargin float64 `hcl:"refresh_margin"` // fraction of token TTL, default 0.2

	BuildVersion string `hcl:"-"`
}

const (
	DefaultKeepalive      = 30 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultAckTimeout     = 15 * time.Second
	DefaultRetryDelay     = 3 * time.Second
	DefaultRetryMax       = 2 * time.Minute
	DefaultRefreshMargin  = 0.2
)

func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}

func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}

func (c *Config) AckTimeout() time.Duration {
	return helpers.IntSecondDefault(c.AckTimeoutSec, DefaultAckTimeout)
}

func (c *Config) RetryDelay() time.Duration {
	return helpers.IntSecondDefault(c.RetryDelaySec, DefaultRetryDelay)
}

func (c *Config) RetryMax() time.Duration {
	return helpers.IntSecondDefault(c.RetryMaxSec, DefaultRetryMax)
}

func (c *Config) Margin() float64 {
	if c.RefreshMargin <= 0 || c.RefreshMargin >= 1 {
		return DefaultRefreshMargin
	}
	return c.RefreshMargin
}
