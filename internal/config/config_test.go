package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssm.cfg")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const senderCfg = `
[broker]
host = broker.example.org
port = 6163
use_ssl = true

[sender]
protocol = STOMP

[messaging]
path = /var/spool/apel/outgoing
destination = /queue/global.accounting.cpu.central

[certificates]
certificate = /etc/grid-security/hostcert.pem
key = /etc/grid-security/hostkey.pem
capath = /etc/grid-security/certificates
server_cert = /etc/grid-security/servercert.pem

[logging]
logfile = /var/log/apel/ssmsend.log
level = INFO
console = false
`

func TestLoadSenderConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, senderCfg), RoleSender)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BrokerHost != "broker.example.org" || cfg.BrokerPort != 6163 {
		t.Fatalf("broker = %s:%d", cfg.BrokerHost, cfg.BrokerPort)
	}
	if !cfg.UseSSL {
		t.Fatal("use_ssl not read")
	}
	if cfg.Protocol != ProtocolSTOMP {
		t.Fatalf("protocol = %q", cfg.Protocol)
	}
	if cfg.PathType != "dirq" {
		t.Fatalf("path_type default = %q", cfg.PathType)
	}
	if cfg.Destination != "/queue/global.accounting.cpu.central" {
		t.Fatalf("destination = %q", cfg.Destination)
	}
	if cfg.ServerCert != "/etc/grid-security/servercert.pem" {
		t.Fatalf("server_cert = %q", cfg.ServerCert)
	}
	// Defaults.
	if !cfg.VerifyServerCert || !cfg.CheckCRLs {
		t.Fatalf("verify_server_cert=%v check_crls=%v, want true/true", cfg.VerifyServerCert, cfg.CheckCRLs)
	}
	if cfg.UsesBDII() {
		t.Fatal("UsesBDII true without bdii configured")
	}
}

func TestLoadProtocolDefaultsToStomp(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[broker]
host = broker.example.org
port = 6163

[messaging]
path = /var/spool/apel/outgoing
destination = /queue/q

[certificates]
certificate = /etc/hostcert.pem
key = /etc/hostkey.pem
`), RoleSender)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protocol != ProtocolSTOMP {
		t.Fatalf("protocol = %q, want default STOMP", cfg.Protocol)
	}
}

func TestLoadRejectsUnknownProtocol(t *testing.T) {
	_, err := Load(writeConfig(t, `
[broker]
host = h
port = 1

[receiver]
protocol = CARRIER-PIGEON

[messaging]
path = /p
destination = /queue/q

[certificates]
certificate = /c
key = /k
`), RoleReceiver)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRejectsUnknownPathType(t *testing.T) {
	_, err := Load(writeConfig(t, `
[broker]
host = h
port = 1

[messaging]
path = /p
path_type = sqlite
destination = /queue/q

[certificates]
certificate = /c
key = /k
`), RoleSender)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRequiresBrokerSource(t *testing.T) {
	_, err := Load(writeConfig(t, `
[messaging]
path = /p
destination = /queue/q

[certificates]
certificate = /c
key = /k
`), RoleSender)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing broker, got %v", err)
	}
}

func TestLoadBDIIConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[broker]
bdii = ldap://lcg-bdii.cern.ch:2170
network = PROD

[messaging]
path = /p
destination = /queue/q

[certificates]
certificate = /c
key = /k
`), RoleSender)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.UsesBDII() {
		t.Fatal("UsesBDII false with bdii+network configured")
	}
}

func TestLoadAMSConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[broker]
host = msg.argo.grnet.gr

[receiver]
protocol = AMS

[messaging]
path = /var/spool/apel/incoming
destination = ssm-receiver-sub
ams_project = accounting
token = tok123

[certificates]
certificate = /c
key = /k

[auth]
banned-dns = /etc/apel/banned-dns
`), RoleReceiver)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protocol != ProtocolAMS {
		t.Fatalf("protocol = %q", cfg.Protocol)
	}
	if cfg.AmsProject != "accounting" || cfg.AmsToken != "tok123" {
		t.Fatalf("ams settings = %q %q", cfg.AmsProject, cfg.AmsToken)
	}
	if cfg.BannedDNsFile != "/etc/apel/banned-dns" {
		t.Fatalf("banned-dns = %q", cfg.BannedDNsFile)
	}
}

func TestLoadAMSRequiresProject(t *testing.T) {
	_, err := Load(writeConfig(t, `
[broker]
host = msg.argo.grnet.gr

[sender]
protocol = AMS

[messaging]
path = /p
destination = topic

[certificates]
certificate = /c
key = /k
`), RoleSender)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing ams_project, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.cfg"), RoleSender); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
