package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNotebookID  = "0c7d9ec4-1bd2-4534-84bb-880e44022ee3"
	DefaultMCPExe      = "notebooklm-mcp"
	DefaultSourceLimit = 45
)

type Config struct {
	Bind       string
	Port       int
	AllowCIDRs []string
	StaticDir  string
	LogLevel   slog.Level

	MCPExe     string
	MCPArgs    []string
	NotebookID string
	ClientName string
	KillGrace  time.Duration

	ResponseLength string
	Goal           string

	SourcesFile    string
	SourceLimit    int
	SourceInterval time.Duration
}

// fileConfig is the YAML shape accepted by --config.
type fileConfig struct {
	Bind       string   `yaml:"bind"`
	Port       int      `yaml:"port"`
	AllowCIDRs []string `yaml:"allow_cidrs"`
	StaticDir  string   `yaml:"static_dir"`
	LogLevel   string   `yaml:"log_level"`

	Worker struct {
		Exe       string        `yaml:"exe"`
		Args      []string      `yaml:"args"`
		KillGrace time.Duration `yaml:"kill_grace"`
	} `yaml:"worker"`

	Notebook struct {
		ID             string `yaml:"id"`
		ResponseLength string `yaml:"response_length"`
		Goal           string `yaml:"goal"`
	} `yaml:"notebook"`

	Sources struct {
		File     string        `yaml:"file"`
		Limit    int           `yaml:"limit"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sources"`
}

var lookupEnv = os.LookupEnv

func defaults() Config {
	return Config{
		Bind:           "0.0.0.0",
		Port:           8080,
		AllowCIDRs:     []string{},
		LogLevel:       slog.LevelInfo,
		MCPExe:         DefaultMCPExe,
		NotebookID:     DefaultNotebookID,
		ClientName:     "notebookqa-go",
		KillGrace:      3 * time.Second,
		ResponseLength: "default",
		Goal:           "default",
		SourcesFile:    "videos.txt",
		SourceLimit:    DefaultSourceLimit,
		SourceInterval: time.Second,
	}
}

// Parse builds the configuration from, in increasing precedence: defaults,
// the YAML file named by --config, environment variables, and flags.
func Parse(args []string) (Config, error) {
	cfg := defaults()

	if path := configPath(args); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := ""
		if i+1 < len(args) {
			next = args[i+1]
		}

		name, value, inline := strings.Cut(arg, "=")
		if !inline {
			value = next
		}
		consumed := !inline && next != ""
		if inline || next != "" {
			handled, err := applyFlag(&cfg, name, value)
			if err != nil {
				return Config{}, err
			}
			if handled && consumed {
				i++
			}
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, errors.New("port must be between 1 and 65535")
	}
	for _, cidr := range cfg.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return Config{}, fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if strings.TrimSpace(cfg.MCPExe) == "" {
		return Config{}, errors.New("worker executable is required")
	}
	if strings.TrimSpace(cfg.NotebookID) == "" {
		return Config{}, errors.New("notebook id is required")
	}
	if cfg.SourceLimit < 1 {
		return Config{}, errors.New("source limit must be positive")
	}

	return cfg, nil
}

func configPath(args []string) string {
	path := ""
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			path = args[i+1]
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		}
	}
	return path
}

func applyFlag(cfg *Config, name, value string) (bool, error) {
	switch name {
	case "--config":
	case "--bind":
		cfg.Bind = value
	case "--port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return false, errors.New("port must be an integer")
		}
		cfg.Port = v
	case "--allow-cidr":
		cfg.AllowCIDRs = append(cfg.AllowCIDRs, value)
	case "--static-dir":
		cfg.StaticDir = value
	case "--log-level":
		if err := cfg.LogLevel.UnmarshalText([]byte(value)); err != nil {
			return false, fmt.Errorf("invalid log level: %s", value)
		}
	case "--mcp-exe":
		cfg.MCPExe = value
	case "--mcp-arg":
		cfg.MCPArgs = append(cfg.MCPArgs, value)
	case "--notebook-id":
		cfg.NotebookID = value
	case "--response-length":
		cfg.ResponseLength = value
	case "--goal":
		cfg.Goal = value
	case "--sources-file":
		cfg.SourcesFile = value
	case "--source-limit":
		v, err := strconv.Atoi(value)
		if err != nil {
			return false, errors.New("source limit must be an integer")
		}
		cfg.SourceLimit = v
	case "--source-interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false, fmt.Errorf("invalid source interval: %w", err)
		}
		cfg.SourceInterval = d
	default:
		return false, nil
	}
	return true, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("PORT must be an integer")
		}
		cfg.Port = port
	}
	if v, ok := lookupEnv("MCP_EXE"); ok && v != "" {
		cfg.MCPExe = v
	}
	if v, ok := lookupEnv("NOTEBOOK_ID"); ok && v != "" {
		cfg.NotebookID = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %s", v)
		}
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	if fc.Bind != "" {
		cfg.Bind = fc.Bind
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if len(fc.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append(cfg.AllowCIDRs, fc.AllowCIDRs...)
	}
	if fc.StaticDir != "" {
		cfg.StaticDir = fc.StaticDir
	}
	if fc.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(fc.LogLevel)); err != nil {
			return fmt.Errorf("invalid log_level: %s", fc.LogLevel)
		}
	}
	if fc.Worker.Exe != "" {
		cfg.MCPExe = fc.Worker.Exe
	}
	if len(fc.Worker.Args) > 0 {
		cfg.MCPArgs = fc.Worker.Args
	}
	if fc.Worker.KillGrace > 0 {
		cfg.KillGrace = fc.Worker.KillGrace
	}
	if fc.Notebook.ID != "" {
		cfg.NotebookID = fc.Notebook.ID
	}
	if fc.Notebook.ResponseLength != "" {
		cfg.ResponseLength = fc.Notebook.ResponseLength
	}
	if fc.Notebook.Goal != "" {
		cfg.Goal = fc.Notebook.Goal
	}
	if fc.Sources.File != "" {
		cfg.SourcesFile = fc.Sources.File
	}
	if fc.Sources.Limit != 0 {
		cfg.SourceLimit = fc.Sources.Limit
	}
	if fc.Sources.Interval > 0 {
		cfg.SourceInterval = fc.Sources.Interval
	}
	return nil
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
