// Package config loads the broker's configuration from YAML/JSON/JSON5,
// resolving `$include` directives and environment-variable expansion the
// way this stack's configuration loader does, then decodes the merged
// document into a typed Config with unknown-field rejection.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Config is the broker's full runtime configuration.
type Config struct {
	Listen string `yaml:"listen"`

	LogLevel string `yaml:"logLevel"`

	Limits        LimitsConfig     `yaml:"limits"`
	CORS          CORSConfig       `yaml:"cors"`
	Runtime       RuntimeConfig    `yaml:"runtime"`
	Encryption    EncryptionConfig `yaml:"encryption"`
	MetricsListen string           `yaml:"metricsListen"`

	Adapter   AdapterConfig   `yaml:"adapter"`
	Auth      AuthConfig      `yaml:"auth"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AdapterConfig selects and configures the Sandbox Adapter backend.
type AdapterConfig struct {
	// Kind is one of "reference" (default), "process", "bedrock", "firecracker".
	Kind        string                    `yaml:"kind"`
	Process     ProcessAdapterConfig      `yaml:"process"`
	Bedrock     BedrockAdapterConfig      `yaml:"bedrock"`
	Firecracker FirecrackerAdapterConfig  `yaml:"firecracker"`
}

// ProcessAdapterConfig configures the pooled external-process backend.
type ProcessAdapterConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	PoolSize    int           `yaml:"poolSize"`
	StartupWait time.Duration `yaml:"startupWait"`
}

// BedrockAdapterConfig configures the Bedrock-hosted evaluation backend.
type BedrockAdapterConfig struct {
	Region  string `yaml:"region"`
	ModelID string `yaml:"modelId"`

	// AccessKeyID/SecretAccessKey pin static credentials instead of the
	// AWS SDK's default provider chain. Both are required together;
	// either left blank falls back to the default chain.
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// FirecrackerAdapterConfig configures the microVM-backed backend.
type FirecrackerAdapterConfig struct {
	KernelImagePath string        `yaml:"kernelImagePath"`
	KernelArgs      string        `yaml:"kernelArgs"`
	RootDrivePath   string        `yaml:"rootDrivePath"`
	SocketDir       string        `yaml:"socketDir"`
	VcpuCount       int64         `yaml:"vcpuCount"`
	MemSizeMib      int64         `yaml:"memSizeMib"`
	GuestIP         string        `yaml:"guestIp"`
	GuestPort       int           `yaml:"guestPort"`
	BootTimeout     time.Duration `yaml:"bootTimeout"`
}

// AuthConfig controls bearer-JWT validation of the /sessions routes and
// the WS hello handshake.
type AuthConfig struct {
	Mode      string `yaml:"mode"` // "" (disabled) or "jwt"
	HMACSecret string `yaml:"hmacSecret"`
}

// ArtifactsConfig controls optional S3 overflow for oversized final
// results (§4.6, ReferenceId); tool results are always inlined.
type ArtifactsConfig struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	MaxResultBytes int    `yaml:"maxResultBytes"`

	// AccessKeyID/SecretAccessKey pin static credentials instead of the
	// AWS SDK's default provider chain. Both are required together;
	// either left blank falls back to the default chain.
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// TelemetryConfig controls OTLP/gRPC trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// LimitsConfig bounds session and tool-call resource usage.
type LimitsConfig struct {
	MaxSessions         int           `yaml:"maxSessions"`
	SessionTTL          time.Duration `yaml:"sessionTtl"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	CleanupInterval     time.Duration `yaml:"cleanupInterval"`
	MaxToolCalls        int           `yaml:"maxToolCalls"`
	MaxPendingToolCalls int           `yaml:"maxPendingToolCalls"`
	ToolTimeout         time.Duration `yaml:"toolTimeout"`
	MaxReplayEvents     int           `yaml:"maxReplayEvents"`
	MaxReplayBytes      int           `yaml:"maxReplayBytes"`
}

// CORSConfig controls the HTTP endpoint's cross-origin behavior.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// RuntimeConfig configures the WebSocket remote-runtime topology.
type RuntimeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EncryptionConfig controls the AES-GCM event-stream overlay.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the broker's built-in configuration, used when no config
// file is supplied.
func Default() Config {
	return Config{
		Listen:        ":8080",
		LogLevel:      "info",
		MetricsListen: ":9090",
		Limits: LimitsConfig{
			MaxSessions:         1000,
			SessionTTL:          10 * time.Minute,
			HeartbeatInterval:   15 * time.Second,
			CleanupInterval:     60 * time.Second,
			MaxToolCalls:        100,
			MaxPendingToolCalls: 32,
			ToolTimeout:         30 * time.Second,
			MaxReplayEvents:     10_000,
			MaxReplayBytes:      8 << 20,
		},
		Runtime: RuntimeConfig{Path: "/runtime"},
	}
}

// Load reads path (resolving $include directives and env expansion),
// merges it over Default(), and decodes it into a Config.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return Config{}, err
	}
	return decodeRawConfig(raw)
}

// LoadRaw reads a configuration file into a merged raw map, resolving
// $include directives.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	seen := map[string]bool{}
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}

	merged = mergeMaps(merged, raw)
	return merged, nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var includeVal any
	if val, ok := raw[includeKey]; ok {
		includeVal = val
		delete(raw, includeKey)
	} else if val, ok := raw["include"]; ok {
		includeVal = val
		delete(raw, "include")
	}
	if includeVal == nil {
		return nil, nil
	}

	switch typed := includeVal.(type) {
	case string:
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func decodeRawConfig(raw map[string]any) (Config, error) {
	cfg := Default()

	payload, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to serialize config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return Config{}, fmt.Errorf("failed to parse config: expected single document")
	}
	return cfg, nil
}
