package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"github.com/xaydras-2/containerNursery/App/structers"
)

// ErrInvalidConfig marks configuration problems. A file-level problem keeps the
// previously applied configuration in place; an entry-level problem only drops
// that entry.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the result of one successful load.
type Config struct {
	ListeningPort  int
	MetricsAddress string
	ProxyHosts     []structers.ProxyHost

	// Problems lists what was rejected or replaced by a default during the load.
	Problems []error
}

type fileConfig struct {
	ProxyListeningPort *int        `yaml:"proxyListeningPort"`
	MetricsAddress     string      `yaml:"metricsAddress"`
	ProxyHosts         []yaml.Node `yaml:"proxyHosts"`
}

// ProxyHostConfig is one proxyHosts entry as written in the file.
type ProxyHostConfig struct {
	Domain         StringList `yaml:"domain"`
	ContainerName  StringList `yaml:"containerName"`
	ComposeFile    string     `yaml:"composeFile"`
	ComposeService string     `yaml:"composeService"`
	ProxyHost      string     `yaml:"proxyHost"`
	ProxyPort      int        `yaml:"proxyPort"`
	ProxyUseHTTPS  bool       `yaml:"proxyUseHttps"`
	TimeoutSeconds float64    `yaml:"timeoutSeconds"`

	StopOnTimeoutIfCPUUsageBelow *float64 `yaml:"stopOnTimeoutIfCpuUsageBelow"`
}

// StringList accepts either a single string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = many
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

// Load reads the configuration file at path, applying environment overrides.
// A missing file is created empty and reported as an error.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	if err := createIfNotExist(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrInvalidConfig, path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidConfig, path, err)
	}
	if fc.ProxyHosts == nil {
		return nil, fmt.Errorf("%w: %q is missing property proxyHosts", ErrInvalidConfig, path)
	}

	cfg := &Config{
		MetricsAddress: fc.MetricsAddress,
		ProxyHosts:     make([]structers.ProxyHost, 0, len(fc.ProxyHosts)),
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = getenv("CN_METRICS_ADDRESS")
	}

	var portErr error
	cfg.ListeningPort, portErr = ListeningPort(fc.ProxyListeningPort, getenv("CN_PORT"))
	if portErr != nil {
		cfg.Problems = append(cfg.Problems, portErr)
	}

	baseDir := filepath.Dir(path)
	for i := range fc.ProxyHosts {
		var phc ProxyHostConfig
		if err := fc.ProxyHosts[i].Decode(&phc); err != nil {
			cfg.Problems = append(cfg.Problems, fmt.Errorf("%w: proxyHosts[%d]: %v", ErrInvalidConfig, i, err))
			continue
		}
		host, err := phc.toProxyHost(baseDir)
		if err != nil {
			cfg.Problems = append(cfg.Problems, fmt.Errorf("%w: proxyHosts[%d]: %v", ErrInvalidConfig, i, err))
			continue
		}
		cfg.ProxyHosts = append(cfg.ProxyHosts, host)
	}

	return cfg, nil
}

func createIfNotExist(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %q: %v", ErrInvalidConfig, path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create directory for %q: %v", ErrInvalidConfig, path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %q: %v", ErrInvalidConfig, path, err)
	}
	f.Close()

	return fmt.Errorf("%w: %q was missing, an empty config file was created", ErrInvalidConfig, path)
}

// Validate checks the required fields of an entry.
func (c *ProxyHostConfig) Validate() error {
	var errs []error
	if len(c.Domain) == 0 {
		errs = append(errs, errors.New("missing property domain"))
	}
	for _, d := range c.Domain {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, errors.New("empty domain"))
		}
	}
	if len(c.ContainerName) == 0 && c.ComposeFile == "" {
		errs = append(errs, errors.New("missing property containerName"))
	}
	if c.ProxyHost == "" {
		errs = append(errs, errors.New("missing property proxyHost"))
	}
	if c.ProxyPort <= 0 || c.ProxyPort > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("proxyPort %d is not a valid TCP port", c.ProxyPort))
	}
	if c.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("missing property timeoutSeconds"))
	}
	if c.StopOnTimeoutIfCPUUsageBelow != nil && math.IsNaN(*c.StopOnTimeoutIfCPUUsageBelow) {
		errs = append(errs, errors.New("stopOnTimeoutIfCpuUsageBelow is not a number"))
	}
	return errors.Join(errs...)
}

func (c *ProxyHostConfig) toProxyHost(baseDir string) (structers.ProxyHost, error) {
	if err := c.Validate(); err != nil {
		return structers.ProxyHost{}, err
	}

	containers := []string(c.ContainerName)
	if len(containers) == 0 {
		composePath := c.ComposeFile
		if !filepath.IsAbs(composePath) {
			composePath = filepath.Join(baseDir, composePath)
		}
		var err error
		containers, err = ComposeContainers(composePath, c.ComposeService)
		if err != nil {
			return structers.ProxyHost{}, err
		}
	}

	domains := make([]string, 0, len(c.Domain))
	for _, d := range c.Domain {
		domains = append(domains, NormalizeDomain(d))
	}

	host := structers.ProxyHost{
		Domains:        domains,
		ContainerNames: containers,
		ProxyHost:      c.ProxyHost,
		ProxyPort:      c.ProxyPort,
		ProxyUseHTTPS:  c.ProxyUseHTTPS,
		IdleTimeout:    time.Duration(c.TimeoutSeconds * float64(time.Second)),
	}
	if c.StopOnTimeoutIfCPUUsageBelow != nil {
		floor := *c.StopOnTimeoutIfCPUUsageBelow
		host.CPUIdleFloor = &floor
	}
	return host, nil
}

// NormalizeDomain lower-cases the host part and drops trailing slashes, so that
// "App.example/" and "app.example" name the same route.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	host, path, found := strings.Cut(domain, "/")
	host = strings.ToLower(host)
	if !found {
		return host
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return host
	}
	return host + "/" + path
}

// ListeningPort resolves the proxy port: the file value wins over CN_PORT, which
// wins over DefaultListeningPort. An unusable value falls back to the default and
// is reported through the returned error.
func ListeningPort(filePort *int, envPort string) (int, error) {
	if filePort != nil {
		if err := checkListeningPort(*filePort); err != nil {
			return DefaultListeningPort, fmt.Errorf("%w: proxyListeningPort: %v", ErrInvalidConfig, err)
		}
		return *filePort, nil
	}

	if envPort != "" {
		port, err := nat.ParsePort(envPort)
		if err != nil {
			return DefaultListeningPort, fmt.Errorf("%w: CN_PORT: %v", ErrInvalidConfig, err)
		}
		if err := checkListeningPort(port); err != nil {
			return DefaultListeningPort, fmt.Errorf("%w: CN_PORT: %v", ErrInvalidConfig, err)
		}
		return port, nil
	}

	return DefaultListeningPort, nil
}

func checkListeningPort(port int) error {
	if port <= 0 || port > math.MaxUint16 {
		return fmt.Errorf("port %d is out of range, using %d", port, DefaultListeningPort)
	}
	if port == PlaceholderPort {
		return fmt.Errorf("port %d is reserved for the placeholder server, using %d", port, DefaultListeningPort)
	}
	return nil
}
