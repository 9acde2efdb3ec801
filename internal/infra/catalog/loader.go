// Package catalog loads and validates the daemon's YAML configuration: the
// tool set and the runtime tuning knobs. Environment references in the file
// are expanded before decoding; schemas are compiled here so every descriptor
// handed out is ready to validate with.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"toolbridge/internal/domain"
)

// Loader reads catalog files.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newRuntimeViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setRuntimeDefaults(v)
	return v
}

func setRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("listenAddress", domain.DefaultListenAddress)
	v.SetDefault("callTimeoutSeconds", domain.DefaultCallTimeoutSeconds)
	v.SetDefault("startTimeoutSeconds", domain.DefaultStartTimeoutSeconds)
	v.SetDefault("shutdownGraceSeconds", domain.DefaultShutdownGraceSeconds)
	v.SetDefault("terminateGraceSeconds", domain.DefaultTerminateGraceSeconds)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.enableMetrics", true)
	v.SetDefault("observability.enableHealthz", true)
}

// The tools section is decoded with yaml directly rather than through viper:
// viper lowercases map keys recursively, which would corrupt env variable
// names and schema property names.
type rawToolsSection struct {
	Tools []rawToolSpec `yaml:"tools"`
}

type rawToolSpec struct {
	Name                string            `yaml:"name"`
	Endpoint            string            `yaml:"endpoint"`
	Cmd                 []string          `yaml:"cmd"`
	Env                 map[string]string `yaml:"env"`
	Cwd                 string            `yaml:"cwd"`
	InputSchema         map[string]any    `yaml:"inputSchema"`
	CallTimeoutSeconds  int               `yaml:"callTimeoutSeconds"`
	StartTimeoutSeconds int               `yaml:"startTimeoutSeconds"`
}

type rawRuntimeConfig struct {
	ListenAddress         string                 `mapstructure:"listenAddress"`
	CallTimeoutSeconds    int                    `mapstructure:"callTimeoutSeconds"`
	StartTimeoutSeconds   int                    `mapstructure:"startTimeoutSeconds"`
	ShutdownGraceSeconds  int                    `mapstructure:"shutdownGraceSeconds"`
	TerminateGraceSeconds int                    `mapstructure:"terminateGraceSeconds"`
	Observability         rawObservabilityConfig `mapstructure:"observability"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
	EnableHealthz bool   `mapstructure:"enableHealthz"`
}

var endpointPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load reads, expands, decodes, and validates the catalog at path.
func (l *Loader) Load(ctx context.Context, path string) (domain.Catalog, error) {
	if path == "" {
		return domain.Catalog{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandCatalogEnv(data)
	if err != nil {
		return domain.Catalog{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	v := newRuntimeViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse config: %w", err)
	}
	var rawRuntime rawRuntimeConfig
	if err := v.Unmarshal(&rawRuntime); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode config: %w", err)
	}

	var section rawToolsSection
	if err := yaml.Unmarshal([]byte(expanded), &section); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode tools: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return domain.Catalog{}, err
	}

	runtime, validationErrors := normalizeRuntimeConfig(rawRuntime)

	if len(section.Tools) == 0 {
		validationErrors = append(validationErrors, "at least one tool is required")
	}

	tools := make(map[string]domain.ToolDescriptor, len(section.Tools))
	nameSeen := make(map[string]int)
	endpointSeen := make(map[string]int)
	for i, spec := range section.Tools {
		descriptor, errs := normalizeToolSpec(spec, runtime, i)
		if prev, exists := nameSeen[descriptor.Name]; exists && descriptor.Name != "" {
			errs = append(errs, fmt.Sprintf("tools[%d]: duplicate name %q (also tools[%d])", i, descriptor.Name, prev))
		} else if descriptor.Name != "" {
			nameSeen[descriptor.Name] = i
		}
		if prev, exists := endpointSeen[descriptor.Endpoint]; exists && descriptor.Endpoint != "" {
			errs = append(errs, fmt.Sprintf("tools[%d]: duplicate endpoint %q (also tools[%d])", i, descriptor.Endpoint, prev))
		} else if descriptor.Endpoint != "" {
			endpointSeen[descriptor.Endpoint] = i
		}
		if len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		tools[descriptor.Name] = descriptor
	}

	if len(validationErrors) > 0 {
		return domain.Catalog{}, errors.New(strings.Join(validationErrors, "; "))
	}

	return domain.Catalog{Tools: tools, Runtime: runtime}, nil
}

func normalizeToolSpec(raw rawToolSpec, runtime domain.RuntimeConfig, index int) (domain.ToolDescriptor, []string) {
	var errs []string

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		errs = append(errs, fmt.Sprintf("tools[%d]: name is required", index))
	}

	endpoint := strings.TrimSpace(raw.Endpoint)
	endpoint = strings.TrimPrefix(endpoint, "/")
	if endpoint == "" {
		endpoint = name
	}
	if endpoint != "" && !endpointPattern.MatchString(endpoint) {
		errs = append(errs, fmt.Sprintf("tools[%d]: endpoint %q must be a single path segment", index, endpoint))
	}

	if len(raw.Cmd) == 0 {
		errs = append(errs, fmt.Sprintf("tools[%d]: cmd is required", index))
	}
	if raw.CallTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("tools[%d]: callTimeoutSeconds must be >= 0", index))
	}
	if raw.StartTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("tools[%d]: startTimeoutSeconds must be >= 0", index))
	}

	descriptor := domain.ToolDescriptor{
		Name:                name,
		Endpoint:            endpoint,
		Cmd:                 raw.Cmd,
		Env:                 raw.Env,
		Cwd:                 raw.Cwd,
		InputSchema:         raw.InputSchema,
		CallTimeoutSeconds:  raw.CallTimeoutSeconds,
		StartTimeoutSeconds: raw.StartTimeoutSeconds,
	}
	if descriptor.CallTimeoutSeconds == 0 {
		descriptor.CallTimeoutSeconds = runtime.CallTimeoutSeconds
	}
	if descriptor.StartTimeoutSeconds == 0 {
		descriptor.StartTimeoutSeconds = runtime.StartTimeoutSeconds
	}

	if raw.InputSchema != nil {
		resolved, err := domain.CompileInputSchema(raw.InputSchema)
		if err != nil {
			errs = append(errs, fmt.Sprintf("tools[%d]: invalid inputSchema: %v", index, err))
		} else {
			descriptor.ResolvedInput = resolved
		}
	}

	return descriptor, errs
}

func normalizeRuntimeConfig(cfg rawRuntimeConfig) (domain.RuntimeConfig, []string) {
	var errs []string

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		errs = append(errs, "listenAddress is required")
	}
	if cfg.CallTimeoutSeconds <= 0 {
		errs = append(errs, "callTimeoutSeconds must be > 0")
	}
	if cfg.StartTimeoutSeconds <= 0 {
		errs = append(errs, "startTimeoutSeconds must be > 0")
	}
	if cfg.ShutdownGraceSeconds < 0 {
		errs = append(errs, "shutdownGraceSeconds must be >= 0")
	}
	if cfg.TerminateGraceSeconds < 0 {
		errs = append(errs, "terminateGraceSeconds must be >= 0")
	}

	observability := domain.ObservabilityConfig{
		ListenAddress: strings.TrimSpace(cfg.Observability.ListenAddress),
		EnableMetrics: cfg.Observability.EnableMetrics,
		EnableHealthz: cfg.Observability.EnableHealthz,
	}
	if observability.ListenAddress == "" {
		observability.ListenAddress = domain.DefaultObservabilityListenAddress
	}

	return domain.RuntimeConfig{
		ListenAddress:         strings.TrimSpace(cfg.ListenAddress),
		CallTimeoutSeconds:    cfg.CallTimeoutSeconds,
		StartTimeoutSeconds:   cfg.StartTimeoutSeconds,
		ShutdownGraceSeconds:  cfg.ShutdownGraceSeconds,
		TerminateGraceSeconds: cfg.TerminateGraceSeconds,
		Observability:         observability,
	}, errs
}
