package ice

import (
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
)

// Config is the process-wide, once-constructed configuration value spec.md
// §6 lists as external (environment/file parsing is an external
// collaborator; this struct is what that collaborator populates). Field
// names mirror the §6 table 1:1.
type Config struct {
	// Address Inventory (§4.1)
	AllowedInterfaces         map[string]struct{}
	BlockedInterfaces         map[string]struct{}
	AllowedAddresses          []string
	BlockedAddresses          []string
	DisableIPv6               bool
	DisableLinkLocalAddresses bool

	// Transport Bindings (§4.2)
	BindWildcard bool
	BindRetries  int

	// Transaction Layer (§4.4)
	MaxCtranRetransTimer   time.Duration
	MaxCtranRetransmission int

	// Harvester Set (§4.10)
	HarvestingTimeout time.Duration

	// TURN Harvester (§4.8)
	TurnEnableTCP       bool
	TurnEnableTLS       bool
	TurnUseEvenPort     bool
	TurnEvenPortRFlag   bool
	TurnTryAlternate    bool

	// Mapping Harvester (§4.9)
	StunMappingHarvesterAddresses []string
	NatHarvesterLocalAddress      string
	NatHarvesterPublicAddress     string

	// TCP Listener (§4.12)
	SocketChannelReadTimeout time.Duration

	// LoggerFactory is threaded into every component; defaults to
	// logging.NewDefaultLoggerFactory() when nil.
	LoggerFactory logging.LoggerFactory

	// Net is the transport seam components bind sockets through; defaults to
	// the real OS network via stdnet.NewNet(). Tests substitute a
	// github.com/pion/transport/v4/vnet.Net to run the whole harvester set
	// against a simulated topology without touching real interfaces.
	Net transport.Net
}

// DefaultConfig returns a Config populated with spec.md §6's defaults.
func DefaultConfig() *Config {
	n, err := stdnet.NewNet()
	if err != nil {
		n = nil
	}
	return &Config{
		DisableIPv6:               true,
		DisableLinkLocalAddresses: false,
		BindWildcard:              false,
		BindRetries:               50,
		MaxCtranRetransTimer:      1600 * time.Millisecond,
		MaxCtranRetransmission:    7,
		HarvestingTimeout:         15 * time.Second,
		TurnEnableTCP:             true,
		TurnEnableTLS:             false,
		TurnTryAlternate:          true,
		SocketChannelReadTimeout:  15 * time.Second,
		LoggerFactory:             logging.NewDefaultLoggerFactory(),
		Net:                       n,
	}
}

// Validate enforces the parts of spec.md §4.1/§7 that must fail loudly at
// construction time (ErrInvalidConfig): a named allowed interface that does
// not exist, or every interface blocked.
func (c *Config) Validate(systemInterfaceNames map[string]struct{}) error {
	for name := range c.AllowedInterfaces {
		if _, ok := systemInterfaceNames[name]; !ok {
			return wrapConfigErr(name)
		}
	}
	if len(c.AllowedInterfaces) == 0 && len(c.BlockedInterfaces) > 0 && len(systemInterfaceNames) > 0 {
		allBlocked := true
		for name := range systemInterfaceNames {
			if _, blocked := c.BlockedInterfaces[name]; !blocked {
				allBlocked = false
				break
			}
		}
		if allBlocked {
			return fmt.Errorf("%w: every interface is blocked", ErrInvalidConfig)
		}
	}
	return nil
}

func wrapConfigErr(iface string) error {
	return &invalidConfigError{iface: iface}
}

type invalidConfigError struct{ iface string }

func (e *invalidConfigError) Error() string {
	return "ice: allowed interface does not exist: " + e.iface
}

func (e *invalidConfigError) Unwrap() error { return ErrInvalidConfig }

func (c *Config) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory != nil {
		return c.LoggerFactory
	}
	return logging.NewDefaultLoggerFactory()
}

func (c *Config) network() transport.Net {
	if c.Net != nil {
		return c.Net
	}
	n, err := stdnet.NewNet()
	if err != nil {
		return nil
	}
	return n
}
