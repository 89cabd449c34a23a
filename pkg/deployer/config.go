package deployer

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kangbeef/deploy/pkg/builder"
	"github.com/kangbeef/deploy/pkg/conftools"
	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/health"
	"github.com/kangbeef/deploy/pkg/release"
	"github.com/kangbeef/deploy/pkg/stack"
)

const (
	DefaultAppPort         = 80
	DefaultAppHealthPath   = "/up"
	DefaultEnvFile         = ".env"
	DefaultBackupPath      = "backups"
	DefaultDatabaseDriver  = health.DriverMySQL
	DefaultDeployTimeout   = 30 * time.Minute
	DefaultProbeTimeout    = 5 * time.Second
	DefaultOtelServiceName = "stack-deploy"

	EnvPrefix = "DEPLOY"

	LogFormatText    = "text"
	LogFormatJSON    = "json"
	LogFormatActions = "actions"
)

// SecretKeys are never printed by FormatConfig.
var SecretKeys = []string{"ssh-key", "ssh-key-passphrase", "registry-password"}

type Config struct {
	Actions                   bool          `json:"actions"`
	AppHealthAttempts         int           `json:"app-health-attempts"`
	AppHealthPath             string        `json:"app-health-path"`
	AppPort                   int           `json:"app-port"`
	AppService                string        `json:"app-service"`
	AutoRollback              bool          `json:"auto-rollback"`
	BackupPath                string        `json:"backup-path"`
	Build                     bool          `json:"build"`
	BuildArgs                 []string      `json:"build-arg"`
	BuildContext              string        `json:"build-context"`
	BuildNumber               int           `json:"build-number"`
	BuildRetries              int           `json:"build-retries"`
	BuildTimeout              time.Duration `json:"build-timeout"`
	CacheService              string        `json:"cache-service"`
	ComposeFile               string        `json:"compose-file"`
	ComposeProject            string        `json:"compose-project"`
	Config                    string        `json:"config"`
	DatabaseDriver            string        `json:"db-driver"`
	DatabaseHealthAttempts    int           `json:"db-health-attempts"`
	DatabaseService           string        `json:"db-service"`
	DeployPath                string        `json:"deploy-path"`
	Dockerfile                string        `json:"dockerfile"`
	DryRun                    bool          `json:"dry-run"`
	EnvFile                   string        `json:"env-file"`
	Environment               string        `json:"environment"`
	Force                     bool          `json:"force"`
	HealthInterval            time.Duration `json:"health-interval"`
	Host                      string        `json:"host"`
	Image                     string        `json:"image"`
	InsecureIgnoreHostKey     bool          `json:"insecure-ignore-host-key"`
	KnownHosts                string        `json:"known-hosts"`
	LogFormat                 string        `json:"log-format"`
	LogLevel                  string        `json:"log-level"`
	OpenTelemetryCollectorURL string        `json:"otel-collector-endpoint"`
	Platform                  string        `json:"platform"`
	Port                      int           `json:"port"`
	PublicURL                 string        `json:"public-url"`
	PushgatewayURL            string        `json:"pushgateway-url"`
	QueueService              string        `json:"queue-service"`
	Quiet                     bool          `json:"quiet"`
	Registry                  string        `json:"registry"`
	RegistryPassword          string        `json:"registry-password"`
	RegistryUser              string        `json:"registry-user"`
	RollbackTemplate          string        `json:"rollback-template"`
	SchedulerService          string        `json:"scheduler-service"`
	ShutdownTimeout           time.Duration `json:"shutdown-timeout"`
	SSHKey                    string        `json:"ssh-key"`
	SSHKeyFile                string        `json:"ssh-key-file"`
	SSHKeyPassphrase          string        `json:"ssh-key-passphrase"`
	Suffix                    string        `json:"suffix"`
	Timeout                   time.Duration `json:"timeout"`
	User                      string        `json:"user"`
}

// Target is the deployment host and the paths owned by a run. It does not change during a run.
type Target struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	DeployPath  string `json:"deployPath"`
	BackupPath  string `json:"backupPath"`
	EnvFile     string `json:"envFile"`
	ComposeFile string `json:"composeFile,omitempty"`
}

var help = `
deploy rolls a container image out to a docker compose stack on a remote host.

Configuration is read from flags, then environment variables (DEPLOY_ followed
by the flag name in upper case, dashes replaced by underscores), then the file
given by --config.
`

// Flags registers every configuration option on a new flag set.
func Flags() *flag.FlagSet {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, strings.TrimLeft(help, "\n"))
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}

	fs.Bool("actions", false, "Use GitHub Actions compatible error and warning messages.")
	fs.Int("app-health-attempts", health.DefaultAppAttempts, "Maximum number of application health probes.")
	fs.String("app-health-path", DefaultAppHealthPath, "Path of the application health endpoint.")
	fs.Int("app-port", DefaultAppPort, "Host port the application listens on.")
	fs.String("app-service", "app", "Name of the application service.")
	fs.Bool("auto-rollback", false, "Restart the application tier with the previous release when the deployment fails after the application tier was started.")
	fs.String("backup-path", DefaultBackupPath, "Directory on the host for database backups, relative to deploy-path unless absolute.")
	fs.Bool("build", false, "Build and push the image locally before deploying.")
	fs.StringSlice("build-arg", []string{}, "Build argument in the form KEY=VALUE. Can be specified multiple times.")
	fs.String("build-context", ".", "Build context directory.")
	fs.Int("build-number", 0, "Build number of the image to deploy; used as image tag.")
	fs.Int("build-retries", builder.DefaultRetries, "Number of times a failed build is retried.")
	fs.Duration("build-timeout", builder.DefaultTimeout, "Time limit for one build attempt.")
	fs.String("cache-service", "redis", "Name of the cache service.")
	fs.String("compose-file", "", "Compose file, relative to deploy-path. Uses the compose default when empty.")
	fs.String("compose-project", "", "Compose project name.")
	fs.String("config", "", "Configuration file (YAML or JSON).")
	fs.String("db-driver", DefaultDatabaseDriver, "Database engine of the database service (mysql, mariadb, pgsql).")
	fs.Int("db-health-attempts", health.DefaultDatabaseAttempts, "Maximum number of database health probes.")
	fs.String("db-service", "db", "Name of the database service.")
	fs.String("deploy-path", "", "Directory on the host containing the compose file.")
	fs.String("dockerfile", "", "Dockerfile used when building.")
	fs.Bool("dry-run", false, "Print the deployment plan without connecting to the host.")
	fs.String("env-file", DefaultEnvFile, "Application environment file, relative to deploy-path.")
	fs.String("environment", "production", "Name of the environment being deployed to.")
	fs.Bool("force", false, "Continue past failed health checks and migrations. Never bypasses architecture verification.")
	fs.Duration("health-interval", health.DefaultInterval, "Time between health probes.")
	fs.String("host", "", "Deployment host.")
	fs.String("image", "", "Image name, without registry and tag.")
	fs.Bool("insecure-ignore-host-key", false, "Do not verify the host key of the deployment host.")
	fs.String("known-hosts", "", "known_hosts file. Defaults to ~/.ssh/known_hosts.")
	fs.String("log-format", LogFormatText, "Log format (text, json, actions).")
	fs.String("log-level", "info", "Log level.")
	fs.String("otel-collector-endpoint", "", "OpenTelemetry collector endpoint. Traces are not exported when empty.")
	fs.String("platform", "", "Image platform, e.g. linux/arm64. Defaults to the host architecture.")
	fs.Int("port", 22, "SSH port of the deployment host.")
	fs.String("public-url", "", "Public health URL checked after the local application health check.")
	fs.String("pushgateway-url", "", "Prometheus Pushgateway receiving run metrics.")
	fs.String("queue-service", "queue", "Name of the queue worker service.")
	fs.Bool("quiet", false, "Suppress printing of informational messages except errors.")
	fs.String("registry", "", "Image registry, e.g. ghcr.io/kangbeef.")
	fs.String("registry-password", "", "Registry password or token.")
	fs.String("registry-user", "", "Registry user. Registry login is skipped when empty.")
	fs.String("rollback-template", "", "Handlebars template for the rollback command.")
	fs.String("scheduler-service", "scheduler", "Name of the scheduler service.")
	fs.Duration("shutdown-timeout", stack.DefaultShutdownTimeout, "Grace period for stopping the running stack.")
	fs.String("ssh-key", "", "SSH private key (PEM).")
	fs.String("ssh-key-file", "", "File containing the SSH private key.")
	fs.String("ssh-key-passphrase", "", "Passphrase of the SSH private key.")
	fs.String("suffix", "", "Image tag suffix appended to the build number.")
	fs.Duration("timeout", DefaultDeployTimeout, "Time limit for the whole deployment.")
	fs.String("user", "", "SSH user.")

	return fs
}

// LoadConfig parses args and the environment into a Config.
// The returned viper instance is used for printing the effective configuration.
func LoadConfig(args []string) (*Config, *viper.Viper, *flag.FlagSet, error) {
	fs := Flags()
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	cfg := &Config{}

	err := conftools.Load(v, fs, args, "config", cfg)
	if err != nil {
		return nil, v, fs, deployerr.Wrap(deployerr.InvocationFailure, err)
	}

	return cfg, v, fs, nil
}

// FormatConfig returns the effective configuration with secrets redacted.
func FormatConfig(v *viper.Viper) []string {
	return conftools.Format(v, SecretKeys)
}

func (cfg *Config) Validate() error {
	missing := make([]string, 0)
	for flagName, value := range map[string]string{
		"host":        cfg.Host,
		"user":        cfg.User,
		"deploy-path": cfg.DeployPath,
		"image":       cfg.Image,
	} {
		if len(value) == 0 {
			missing = append(missing, flagName)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return deployerr.Errorf(deployerr.InvocationFailure, "required options not set: %s", strings.Join(missing, ", "))
	}

	if err := cfg.Candidate().Validate(); err != nil {
		return deployerr.Wrap(deployerr.InvocationFailure, err)
	}

	if !cfg.DryRun && len(cfg.SSHKey) == 0 && len(cfg.SSHKeyFile) == 0 {
		return deployerr.Errorf(deployerr.InvocationFailure, "one of ssh-key or ssh-key-file is required")
	}

	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatActions:
	default:
		return deployerr.Errorf(deployerr.InvocationFailure, "log format %q is not supported", cfg.LogFormat)
	}

	switch strings.ToLower(cfg.DatabaseDriver) {
	case health.DriverMySQL, health.DriverMariaDB, health.DriverPostgres:
	default:
		return deployerr.Errorf(deployerr.InvocationFailure, "database driver %q is not supported", cfg.DatabaseDriver)
	}

	if cfg.HealthInterval <= 0 {
		return deployerr.Errorf(deployerr.InvocationFailure, "health-interval must be positive")
	}
	if cfg.DatabaseHealthAttempts < 1 || cfg.AppHealthAttempts < 1 {
		return deployerr.Errorf(deployerr.InvocationFailure, "health check attempts must be at least 1")
	}
	if cfg.Timeout <= 0 {
		return deployerr.Errorf(deployerr.InvocationFailure, "timeout must be positive")
	}
	if len(cfg.DatabaseService) == 0 || len(cfg.AppService) == 0 {
		return deployerr.Errorf(deployerr.InvocationFailure, "db-service and app-service must not be empty")
	}

	if _, err := cfg.BuildArgMap(); err != nil {
		return err
	}

	return nil
}

func (cfg *Config) Candidate() release.Candidate {
	return release.Candidate{
		Registry:    cfg.Registry,
		Name:        cfg.Image,
		BuildNumber: cfg.BuildNumber,
		Suffix:      cfg.Suffix,
		Platform:    cfg.Platform,
	}
}

func (cfg *Config) Target() Target {
	backupPath := cfg.BackupPath
	if !strings.HasPrefix(backupPath, "/") {
		backupPath = strings.TrimSuffix(cfg.DeployPath, "/") + "/" + backupPath
	}
	return Target{
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		DeployPath:  cfg.DeployPath,
		BackupPath:  backupPath,
		EnvFile:     cfg.EnvFile,
		ComposeFile: cfg.ComposeFile,
	}
}

func (cfg *Config) Services() stack.Services {
	return stack.Services{
		Database:  cfg.DatabaseService,
		Cache:     cfg.CacheService,
		App:       cfg.AppService,
		Queue:     cfg.QueueService,
		Scheduler: cfg.SchedulerService,
	}
}

// BuildArgMap parses --build-arg values.
func (cfg *Config) BuildArgMap() (map[string]string, error) {
	args := make(map[string]string, len(cfg.BuildArgs))
	for _, keyval := range cfg.BuildArgs {
		tokens := strings.SplitN(keyval, "=", 2)
		if len(tokens) != 2 || len(tokens[0]) == 0 {
			return nil, deployerr.Errorf(deployerr.InvocationFailure, "build argument %q must be in the form KEY=VALUE", keyval)
		}
		args[tokens[0]] = tokens[1]
	}
	return args, nil
}
