// Package config parses the command line and the optional YAML file of the
// backup-manager service.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/seadogger/backup-manager/internal/coordinator"
)

// ProgramName is the name of the binary.
const ProgramName = "backup-manager"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var (
	// ErrParseArgs is a sentinel error indicating that there was an error parsing command line args.
	ErrParseArgs = errors.New("cannot parse cli args")
	// ErrMissingOpt is a sentinel error indicating that a required option is missing.
	ErrMissingOpt = errors.New("missing option")
	// ErrInvalidOpt is a sentinel error indicating that an invalid option value has been passed.
	ErrInvalidOpt = errors.New("invalid option value")
)

// Application is one restorable application.
type Application struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	// Workload defaults to the namespace.
	Workload string `json:"workload,omitempty"`
	// Kind is Deployment or StatefulSet. Defaults to Deployment.
	Kind      string `json:"kind,omitempty"`
	ClaimName string `json:"claimName"`
	// GitOpsApp is the Argo CD Application. Empty disables the sync gate.
	GitOpsApp string `json:"gitOpsApp,omitempty"`
}

// Backend locates the restic repository restores read from.
type Backend struct {
	Endpoint           string `json:"endpoint"`
	Bucket             string `json:"bucket"`
	SecretName         string `json:"secretName"`
	PasswordKey        string `json:"passwordKey"`
	AccessKeyIDKey     string `json:"accessKeyIDKey"`
	SecretAccessKeyKey string `json:"secretAccessKeyKey"`
	RunAsUser          int64  `json:"runAsUser"`
}

// Drain is the drain section of the config file.
type Drain struct {
	Interval *metav1.Duration `json:"interval,omitempty"`
	Timeout  *metav1.Duration `json:"timeout,omitempty"`
	Settle   *metav1.Duration `json:"settle,omitempty"`
}

// File is the YAML config file. Flags given on the command line take
// precedence over its values.
type File struct {
	ArgoCDNamespace string           `json:"argoCDNamespace,omitempty"`
	RestoreDeadline *metav1.Duration `json:"restoreDeadline,omitempty"`
	Drain           *Drain           `json:"drain,omitempty"`
	Backend         *Backend         `json:"backend,omitempty"`
	Applications    []Application    `json:"applications,omitempty"`
}

// Config is the complete service configuration.
type Config struct {
	ConfigPath string

	ListenAddress      string
	MetricsAddress     string
	HealthProbeAddress string
	LeaderElection     bool

	LogLevel     string
	ServiceName  string
	OTelEndpoint string

	ArgoCDNamespace string
	QPS             float32
	Burst           int

	Store          string
	RedisAddress   string
	RedisKeyPrefix string
	SagaLogPath    string

	CallTimeout     time.Duration
	DrainInterval   time.Duration
	DrainTimeout    time.Duration
	DrainSettle     time.Duration
	PollInterval    time.Duration
	RestoreDeadline time.Duration

	Backend      Backend
	Applications []Application
}

const (
	// DefaultQPS used when talking to kubernetes apiserver
	DefaultQPS = 50.0
	// DefaultBurst used when talking to kubernetes apiserver
	DefaultBurst = 100
)

// Default returns the built-in configuration. Environment variables provide
// the defaults of the endpoints that differ between environments.
func Default() *Config {
	return &Config{
		ListenAddress:      ":8080",
		MetricsAddress:     ":8081",
		HealthProbeAddress: ":8082",
		LogLevel:           "info",
		ServiceName:        getEnv("OTEL_SERVICE_NAME", ProgramName),
		OTelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ArgoCDNamespace:    "argocd",
		QPS:                DefaultQPS,
		Burst:              DefaultBurst,
		Store:              StoreMemory,
		RedisAddress:       getEnv("REDIS_ADDR", "redis:6379"),
		RedisKeyPrefix:     ProgramName,
		SagaLogPath:        getEnv("SAGA_LOG_PATH", ""),
		CallTimeout:        15 * time.Second,
		DrainInterval:      2 * time.Second,
		DrainTimeout:       60 * time.Second,
		DrainSettle:        2 * time.Second,
		PollInterval:       5 * time.Second,
		Backend: Backend{
			Endpoint:           "https://s3.amazonaws.com",
			Bucket:             "seadogger-homelab-backup",
			SecretName:         "k8up-s3-credentials",
			PasswordKey:        "RESTIC_PASSWORD",
			AccessKeyIDKey:     "AWS_ACCESS_KEY_ID",
			SecretAccessKeyKey: "AWS_SECRET_ACCESS_KEY",
		},
		Applications: []Application{
			{ID: "nextcloud", Namespace: "nextcloud", ClaimName: "nextcloud-nextcloud", GitOpsApp: "nextcloud"},
			{ID: "n8n", Namespace: "n8n", ClaimName: "n8n-main-persistence", GitOpsApp: "n8n"},
			{ID: "jellyfin", Namespace: "jellyfin", ClaimName: "jellyfin-config", GitOpsApp: "jellyfin"},
		},
	}
}

// MapFlags adds the service flags to flagSet, with the current values of
// cfg as defaults.
func MapFlags(flagSet *pflag.FlagSet, cfg *Config) {
	flagSet.StringVarP(&cfg.ConfigPath, "config", "c", cfg.ConfigPath, "path to a YAML file with applications and backend settings")
	flagSet.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress, "bind address of the REST API")
	flagSet.StringVar(&cfg.MetricsAddress, "metrics-address", cfg.MetricsAddress, "bind address of the metrics endpoint. Use 0 to disable")
	flagSet.StringVar(&cfg.HealthProbeAddress, "health-probe-address", cfg.HealthProbeAddress, "bind address of the health probes")
	flagSet.BoolVar(&cfg.LeaderElection, "leader-elect", cfg.LeaderElection, "enable leader election so that only one replica polls restores")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flagSet.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "service name reported in traces")
	flagSet.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP gRPC endpoint. Empty disables trace export")
	flagSet.StringVar(&cfg.ArgoCDNamespace, "argocd-namespace", cfg.ArgoCDNamespace, "namespace of the Argo CD Application objects")
	flagSet.Float32Var(&cfg.QPS, "kube-api-qps", cfg.QPS, "QPS to use while talking with kubernetes apiserver")
	flagSet.IntVar(&cfg.Burst, "kube-api-burst", cfg.Burst, "Burst to use while talking with kubernetes apiserver")
	flagSet.StringVar(&cfg.Store, "store", cfg.Store, "saga registry backend: memory or redis")
	flagSet.StringVar(&cfg.RedisAddress, "redis-address", cfg.RedisAddress, "redis host:port, used with --store=redis")
	flagSet.StringVar(&cfg.RedisKeyPrefix, "redis-key-prefix", cfg.RedisKeyPrefix, "prefix of all redis keys")
	flagSet.StringVar(&cfg.SagaLogPath, "saga-log-path", cfg.SagaLogPath, "SQLite file of the saga history. Empty disables it")
	flagSet.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "timeout of each call to the cluster")
	flagSet.DurationVar(&cfg.DrainInterval, "drain-interval", cfg.DrainInterval, "pod count poll interval while draining")
	flagSet.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "longest wait for pods to terminate before submitting anyway")
	flagSet.DurationVar(&cfg.DrainSettle, "drain-settle", cfg.DrainSettle, "wait after the last pod terminated")
	flagSet.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "interval of the background restore poller")
	flagSet.DurationVar(&cfg.RestoreDeadline, "restore-deadline", cfg.RestoreDeadline, "fail restores not finished this long after submission. 0 disables it")

	klogFlagSet := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlagSet)
	// Merge klog flags into pflag
	flagSet.AddGoFlagSet(klogFlagSet)
}

// Parse parses args, applies the config file if one is given and validates
// the result.
func Parse(args []string) (*Config, error) {
	cfg := Default()
	flagSet := pflag.NewFlagSet(ProgramName, pflag.ContinueOnError)
	MapFlags(flagSet, cfg)
	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseArgs, err)
	}
	if cfg.ConfigPath != "" {
		file, err := LoadFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.apply(file, flagSet.Changed)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and strictly decodes a YAML config file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read config file: %w", ErrInvalidOpt, err)
	}
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("%w: cannot decode config file %q: %w", ErrInvalidOpt, path, err)
	}
	return &file, nil
}

// apply copies file values over cfg, except for options set by flag.
func (c *Config) apply(file *File, changed func(name string) bool) {
	if file.ArgoCDNamespace != "" && !changed("argocd-namespace") {
		c.ArgoCDNamespace = file.ArgoCDNamespace
	}
	if file.RestoreDeadline != nil && !changed("restore-deadline") {
		c.RestoreDeadline = file.RestoreDeadline.Duration
	}
	if d := file.Drain; d != nil {
		if d.Interval != nil && !changed("drain-interval") {
			c.DrainInterval = d.Interval.Duration
		}
		if d.Timeout != nil && !changed("drain-timeout") {
			c.DrainTimeout = d.Timeout.Duration
		}
		if d.Settle != nil && !changed("drain-settle") {
			c.DrainSettle = d.Settle.Duration
		}
	}
	if file.Backend != nil {
		c.Backend = *file.Backend
	}
	if len(file.Applications) > 0 {
		c.Applications = file.Applications
	}
}

// Validate checks all options and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddress) == "" {
		errs = append(errs, fmt.Errorf("%w: --listen-address", ErrMissingOpt))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("%w: --log-level %q", ErrInvalidOpt, c.LogLevel))
	}
	switch c.Store {
	case StoreMemory:
		// Each replica would hold its own registry, and only the leader polls.
		if c.LeaderElection {
			errs = append(errs, fmt.Errorf("%w: --leader-elect requires --store=%s", ErrInvalidOpt, StoreRedis))
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			errs = append(errs, fmt.Errorf("%w: --redis-address is required with --store=redis", ErrMissingOpt))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: --store must be %q or %q, got %q", ErrInvalidOpt, StoreMemory, StoreRedis, c.Store))
	}
	for name, d := range map[string]time.Duration{
		"call-timeout":   c.CallTimeout,
		"drain-interval": c.DrainInterval,
		"drain-timeout":  c.DrainTimeout,
		"poll-interval":  c.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: --%s must be positive", ErrInvalidOpt, name))
		}
	}
	if c.DrainSettle < 0 || c.RestoreDeadline < 0 {
		errs = append(errs, fmt.Errorf("%w: --drain-settle and --restore-deadline must not be negative", ErrInvalidOpt))
	}
	errs = append(errs, c.Backend.validate())
	errs = append(errs, validateApplications(c.Applications))
	return errors.Join(errs...)
}

func (b Backend) validate() error {
	var errs []error
	for name, v := range map[string]string{
		"backend.endpoint":           b.Endpoint,
		"backend.bucket":             b.Bucket,
		"backend.secretName":         b.SecretName,
		"backend.passwordKey":        b.PasswordKey,
		"backend.accessKeyIDKey":     b.AccessKeyIDKey,
		"backend.secretAccessKeyKey": b.SecretAccessKeyKey,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingOpt, name))
		}
	}
	if b.RunAsUser < 0 {
		errs = append(errs, fmt.Errorf("%w: backend.runAsUser must not be negative", ErrInvalidOpt))
	}
	return errors.Join(errs...)
}

func validateApplications(apps []Application) error {
	if len(apps) == 0 {
		return fmt.Errorf("%w: at least one application", ErrMissingOpt)
	}
	var errs []error
	seen := make(map[string]bool, len(apps))
	for i, app := range apps {
		// The id prefixes restore names, which must be DNS labels.
		if msgs := validation.IsDNS1123Label(app.ID); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("%w: applications[%d].id %q: %s", ErrInvalidOpt, i, app.ID, strings.Join(msgs, ", ")))
		}
		if seen[app.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate application id %q", ErrInvalidOpt, app.ID))
		}
		seen[app.ID] = true
		if app.Namespace == "" {
			errs = append(errs, fmt.Errorf("%w: applications[%d].namespace", ErrMissingOpt, i))
		}
		if app.ClaimName == "" {
			errs = append(errs, fmt.Errorf("%w: applications[%d].claimName", ErrMissingOpt, i))
		}
		switch coordinator.WorkloadKind(app.Kind) {
		case "", coordinator.KindDeployment, coordinator.KindStatefulSet:
		default:
			errs = append(errs, fmt.Errorf("%w: applications[%d].kind %q", ErrInvalidOpt, i, app.Kind))
		}
	}
	return errors.Join(errs...)
}

// Catalog returns the applications keyed by id, with defaults filled in.
func (c *Config) Catalog() coordinator.Catalog {
	catalog := make(coordinator.Catalog, len(c.Applications))
	for _, a := range c.Applications {
		app := coordinator.Application{
			ID:        a.ID,
			Namespace: a.Namespace,
			Workload:  a.Workload,
			Kind:      coordinator.WorkloadKind(a.Kind),
			ClaimName: a.ClaimName,
			GitOpsApp: a.GitOpsApp,
		}
		if app.Workload == "" {
			app.Workload = app.Namespace
		}
		if app.Kind == "" {
			app.Kind = coordinator.KindDeployment
		}
		catalog[app.ID] = app
	}
	return catalog
}

// Namespaces returns the distinct namespaces of all applications.
func (c *Config) Namespaces() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range c.Applications {
		if !seen[a.Namespace] {
			seen[a.Namespace] = true
			out = append(out, a.Namespace)
		}
	}
	return out
}

// OrchestratorConfig returns the timings and credentials of the coordinator.
func (c *Config) OrchestratorConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.CallTimeout = c.CallTimeout
	cfg.Drain = coordinator.DrainPolicy{
		Interval: c.DrainInterval,
		Timeout:  c.DrainTimeout,
		Settle:   c.DrainSettle,
	}
	cfg.RestoreDeadline = c.RestoreDeadline
	// Give the operator a few polls to pick up a fresh restore.
	cfg.NotFoundGrace = max(cfg.NotFoundGrace, 3*c.PollInterval)
	cfg.Credentials = coordinator.CredentialRef{
		SecretName:         c.Backend.SecretName,
		PasswordKey:        c.Backend.PasswordKey,
		AccessKeyIDKey:     c.Backend.AccessKeyIDKey,
		SecretAccessKeyKey: c.Backend.SecretAccessKeyKey,
		Endpoint:           c.Backend.Endpoint,
		Bucket:             c.Backend.Bucket,
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
