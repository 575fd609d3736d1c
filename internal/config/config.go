package config

import (
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Port           int    `envconfig:"PORT" default:"3000"`
	ProviderAPIURL string `envconfig:"PROVIDER_API_URL" default:"https://api.github.com"`
	Debug          bool   `envconfig:"DEBUG" default:"false"`
	LogPath        string `envconfig:"LOG_PATH" default:""`

	// USER_PUBLIC_KEY skips ephemeral key generation when set. Dev-only:
	// the broker then has no private half and SSH auth relies on the
	// workspace accepting the pre-provisioned key.
	UserPublicKey string `envconfig:"USER_PUBLIC_KEY" default:""`

	// Heartbeat and grace intervals, in milliseconds on the wire to match
	// the historical deployment environment.
	RPCHeartbeatIntervalMS int `envconfig:"RPC_HEARTBEAT_INTERVAL" default:"60000"`
	RPCSessionKeepaliveMS  int `envconfig:"RPC_SESSION_KEEPALIVE" default:"300000"`

	// FallbackPortsFile points at an optional YAML file overriding the
	// built-in probe port lists.
	FallbackPortsFile string `envconfig:"FALLBACK_PORTS_FILE" default:""`
}

// FallbackPorts holds the local ports probed when every discovery strategy
// comes up empty for a requested remote port.
type FallbackPorts struct {
	RPC []int `yaml:"rpc"`
	SSH []int `yaml:"ssh"`
}

// Timeouts used across the session pipeline. Package-level so tests can
// shrink them.
var (
	RPCDialTimeout     = 5 * time.Second
	RPCCallTimeout     = 10 * time.Second
	DiscoverRPCTimeout = 3 * time.Second
	DiscoverSSHTimeout = 5 * time.Second
	ProbeTimeout       = 2 * time.Second
	StateWaitDeadline  = 60 * time.Second

	ReconnectInitialBackoff = 1 * time.Second
	ReconnectMaxBackoff     = 30 * time.Second
	ReconnectMaxAttempts    = 10
)

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMBRIDGE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// HeartbeatInterval returns the heartbeat tick interval as a duration.
func (s Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.RPCHeartbeatIntervalMS) * time.Millisecond
}

// SessionKeepalive returns the disconnect grace period as a duration.
func (s Settings) SessionKeepalive() time.Duration {
	return time.Duration(s.RPCSessionKeepaliveMS) * time.Millisecond
}

// DefaultFallbackPorts are the commonly-forwarded local ports for one
// provider, used when no override file is configured.
func DefaultFallbackPorts() FallbackPorts {
	return FallbackPorts{
		RPC: []int{16634, 16635, 16636, 16637, 16638, 16639},
		SSH: []int{2222, 2223, 2224, 22},
	}
}

// LoadFallbackPorts reads the YAML override file if configured. An empty path
// returns the defaults; a configured but unreadable or malformed file is an
// error.
func LoadFallbackPorts(path string) (FallbackPorts, error) {
	ports := DefaultFallbackPorts()
	if path == "" {
		return ports, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ports, err
	}
	var override FallbackPorts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return ports, err
	}
	if len(override.RPC) > 0 {
		ports.RPC = override.RPC
	}
	if len(override.SSH) > 0 {
		ports.SSH = override.SSH
	}
	return ports, nil
}
