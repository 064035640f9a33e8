package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/atvirokodosprendimai/ctldisco/pkg/config"
)

const (
	ServiceUnitName = "ctldisco-announce.service"
	unitDir         = "/etc/systemd/system"
	secretDir       = "/etc/ctldisco"
)

const systemdUnitTemplate = `[Unit]
Description=Controller announcer for {{.Service}} (ctldisco)
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile={{.SecretPath}}
ExecStart={{.ExecStart}}
Restart=always
RestartSec=5

# Security hardening
NoNewPrivileges=yes
ProtectSystem=strict
ProtectHome=true
DynamicUser=yes

[Install]
WantedBy=multi-user.target
`

// SystemdServiceConfig holds configuration for generating the systemd service
type SystemdServiceConfig struct {
	Secret     string
	Service    string
	Name       string
	Endpoints  []string
	Interface  string
	DHT        bool
	BinaryPath string
}

// GenerateSystemdUnit generates a systemd unit file running the announcer
func GenerateSystemdUnit(cfg SystemdServiceConfig) (string, error) {
	if len(cfg.Endpoints) == 0 {
		return "", fmt.Errorf("at least one endpoint is required")
	}
	for _, endpoint := range cfg.Endpoints {
		if err := ValidateEndpoint(endpoint); err != nil {
			return "", err
		}
	}

	if cfg.BinaryPath == "" {
		path, err := exec.LookPath("ctldisco")
		if err != nil {
			path, err = filepath.Abs(os.Args[0])
			if err != nil {
				return "", fmt.Errorf("could not determine ctldisco binary path: %w", err)
			}
		}
		cfg.BinaryPath = path
	}
	if cfg.Service == "" {
		cfg.Service = config.DefaultService
	}

	// The secret comes from the environment file, never the command line
	args := []string{cfg.BinaryPath, "announce", "--service", cfg.Service}
	for _, endpoint := range cfg.Endpoints {
		args = append(args, "--endpoint", endpoint)
	}
	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}
	if cfg.Interface != "" {
		args = append(args, "--interface", cfg.Interface)
	}
	if cfg.DHT {
		args = append(args, "--dht")
	}

	data := struct {
		Service    string
		SecretPath string
		ExecStart  string
	}{
		Service:    cfg.Service,
		SecretPath: filepath.Join(secretDir, "secret.env"),
		ExecStart:  strings.Join(args, " "),
	}

	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// SecretEnvironment renders the EnvironmentFile holding the overlay secret
func SecretEnvironment(secret string) string {
	return fmt.Sprintf("CTLDISCO_SECRET=%s\n", secret)
}

// InstallSystemdService installs, enables and starts the announcer service
func InstallSystemdService(cfg SystemdServiceConfig) error {
	unit, err := GenerateSystemdUnit(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate unit file: %w", err)
	}

	if err := os.MkdirAll(secretDir, 0700); err != nil {
		return fmt.Errorf("failed to create secret directory (run as root?): %w", err)
	}
	secretPath := filepath.Join(secretDir, "secret.env")
	if err := os.WriteFile(secretPath, []byte(SecretEnvironment(cfg.Secret)), 0600); err != nil {
		return fmt.Errorf("failed to write secret file (run as root?): %w", err)
	}

	unitPath := filepath.Join(unitDir, ServiceUnitName)
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write unit file (run as root?): %w", err)
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", ServiceUnitName},
		{"start", ServiceUnitName},
	} {
		if err := exec.Command("systemctl", args...).Run(); err != nil {
			return fmt.Errorf("systemctl %s failed: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}

// UninstallSystemdService stops and removes the announcer service
func UninstallSystemdService() error {
	exec.Command("systemctl", "stop", ServiceUnitName).Run()
	exec.Command("systemctl", "disable", ServiceUnitName).Run()

	unitPath := filepath.Join(unitDir, ServiceUnitName)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}

	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

// ServiceStatus returns the status of the announcer service
func ServiceStatus() string {
	output, err := exec.Command("systemctl", "is-active", ServiceUnitName).Output()
	if err != nil {
		return "inactive"
	}
	return strings.TrimSpace(string(output))
}
