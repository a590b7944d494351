// Package config reads the INI configuration file shared by the sender and
// receiver agents and validates the options each role requires.
package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/apel/ssm/internal/queue"
)

// ErrConfig marks any missing or unparseable option. Fatal at startup.
var ErrConfig = errors.New("config: invalid configuration")

// Role selects which sections and defaults apply.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Protocol names accepted by the `protocol` option.
const (
	ProtocolSTOMP = "STOMP"
	ProtocolAMS   = "AMS"
)

// Config is the resolved agent configuration.
type Config struct {
	Role     Role
	Protocol string

	// Broker endpoint: either a single host/port, or a BDII to query for
	// the named broker network.
	BrokerHost string
	BrokerPort int
	BDII       string
	Network    string
	UseSSL     bool

	// Message store and wire destination.
	QueuePath   string
	PathType    string
	Destination string
	AmsProject  string
	AmsToken    string

	// Local identity and trust.
	Certificate      string
	Key              string
	CAPath           string
	ServerCert       string
	VerifyServerCert bool
	CheckCRLs        bool

	Pidfile string

	BannedDNsFile string

	Logfile  string
	LogLevel string
	Console  bool
}

// Load reads and validates the configuration for the given role.
func Load(path string, role Role) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", ErrConfig, path, err)
	}

	cfg := &Config{
		Role:             role,
		PathType:         queue.PathTypeDirq,
		VerifyServerCert: true,
		CheckCRLs:        true,
	}

	broker := file.Section("broker")
	cfg.BrokerHost = broker.Key("host").String()
	cfg.BDII = broker.Key("bdii").String()
	cfg.Network = broker.Key("network").String()
	cfg.UseSSL = broker.Key("use_ssl").MustBool(false)
	if portKey := broker.Key("port"); portKey.String() != "" {
		port, err := portKey.Int()
		if err != nil {
			return nil, fmt.Errorf("%w: broker.port: %v", ErrConfig, err)
		}
		cfg.BrokerPort = port
	}

	roleSection := file.Section(string(role))
	cfg.Protocol = strings.TrimSpace(roleSection.Key("protocol").String())
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolSTOMP
	}
	if cfg.Protocol != ProtocolSTOMP && cfg.Protocol != ProtocolAMS {
		return nil, fmt.Errorf("%w: protocol must be %s or %s, got %q",
			ErrConfig, ProtocolSTOMP, ProtocolAMS, cfg.Protocol)
	}

	messaging := file.Section("messaging")
	cfg.QueuePath = messaging.Key("path").String()
	if cfg.QueuePath == "" {
		return nil, fmt.Errorf("%w: messaging.path is required", ErrConfig)
	}
	if pt := messaging.Key("path_type").String(); pt != "" {
		if pt != queue.PathTypeDirq && pt != queue.PathTypeDirectory {
			return nil, fmt.Errorf("%w: messaging.path_type must be %q or %q, got %q",
				ErrConfig, queue.PathTypeDirq, queue.PathTypeDirectory, pt)
		}
		cfg.PathType = pt
	}
	cfg.Destination = messaging.Key("destination").String()
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: messaging.destination is required", ErrConfig)
	}
	cfg.AmsProject = messaging.Key("ams_project").String()
	cfg.AmsToken = messaging.Key("token").String()

	certs := file.Section("certificates")
	cfg.Certificate = certs.Key("certificate").String()
	cfg.Key = certs.Key("key").String()
	cfg.CAPath = certs.Key("capath").String()
	cfg.ServerCert = certs.Key("server_cert").String()
	if cfg.Certificate == "" || cfg.Key == "" {
		return nil, fmt.Errorf("%w: certificates.certificate and certificates.key are required", ErrConfig)
	}
	if v := certs.Key("verify_server_cert"); v.String() != "" {
		b, err := v.Bool()
		if err != nil {
			return nil, fmt.Errorf("%w: certificates.verify_server_cert: %v", ErrConfig, err)
		}
		cfg.VerifyServerCert = b
	}
	if v := certs.Key("check_crls"); v.String() != "" {
		b, err := v.Bool()
		if err != nil {
			return nil, fmt.Errorf("%w: certificates.check_crls: %v", ErrConfig, err)
		}
		cfg.CheckCRLs = b
	}

	cfg.Pidfile = file.Section("daemon").Key("pidfile").String()
	cfg.BannedDNsFile = file.Section("auth").Key("banned-dns").String()

	logSection := file.Section("logging")
	cfg.Logfile = logSection.Key("logfile").String()
	cfg.LogLevel = logSection.Key("level").String()
	cfg.Console = logSection.Key("console").MustBool(false)

	if err := cfg.validateBrokerSource(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateBrokerSource checks that a broker can be found at all: STOMP
// needs either host+port or a BDII with a network; AMS needs a bare host.
func (c *Config) validateBrokerSource() error {
	switch c.Protocol {
	case ProtocolAMS:
		if c.BrokerHost == "" {
			return fmt.Errorf("%w: broker.host is required when connecting to AMS", ErrConfig)
		}
		if c.AmsProject == "" {
			return fmt.Errorf("%w: messaging.ams_project is required when connecting to AMS", ErrConfig)
		}
	default:
		hasSingle := c.BrokerHost != "" && c.BrokerPort != 0
		hasBDII := c.BDII != "" && c.Network != ""
		if !hasSingle && !hasBDII {
			return fmt.Errorf("%w: supply either broker.host and broker.port, or broker.bdii and broker.network", ErrConfig)
		}
	}
	return nil
}

// UsesBDII reports whether broker discovery should go through the BDII.
// A configured BDII takes precedence over a single host/port pair.
func (c *Config) UsesBDII() bool {
	return c.BDII != "" && c.Network != ""
}
