// Package backup takes a compressed logical dump of the database before schema changes.
//
// Backups are best effort. Every problem is reported as a BackupFailure, which
// callers log as a warning: a missing backup capability must not block a deployment.
package backup

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/health"
	"github.com/kangbeef/deploy/pkg/redact"
	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/stack"
)

const timestampFormat = "20060102T150405Z"

// Keys read from the application's environment file.
const (
	KeyConnection = "DB_CONNECTION"
	KeyDatabase   = "DB_DATABASE"
	KeyUsername   = "DB_USERNAME"
	KeyPassword   = "DB_PASSWORD"
)

type Config struct {
	Compose    stack.Compose
	Service    string
	EnvFile    string
	BackupPath string
	// Label is embedded in the file name, typically the build number.
	Label string
}

// Artifact is a finished dump. It is never deleted by this tool.
type Artifact struct {
	Path       string    `json:"path"`
	Timestamp  time.Time `json:"timestamp"`
	Compressed bool      `json:"compressed"`
}

type Credentials struct {
	Driver   string
	Database string
	Username string
	Password string
}

type Agent struct {
	exec     remote.Executor
	config   Config
	redactor *redact.Redactor
	now      func() time.Time
}

func New(exec remote.Executor, cfg Config, redactor *redact.Redactor) *Agent {
	return &Agent{
		exec:     exec,
		config:   cfg,
		redactor: redactor,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for artifact timestamps.
func (a *Agent) WithClock(now func() time.Time) *Agent {
	a.now = now
	return a
}

// Backup dumps the database if its service is running. It returns a nil artifact
// and nil error when there is nothing to back up.
func (a *Agent) Backup(ctx context.Context, databaseRunning bool) (*Artifact, error) {
	if !databaseRunning {
		log.Infof("Database service %q is not running; skipping backup", a.config.Service)
		return nil, nil
	}

	creds, err := a.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	ts := a.now().UTC()
	name := fmt.Sprintf("db-%s-%s.sql.gz", a.config.Label, ts.Format(timestampFormat))
	if len(a.config.Label) == 0 {
		name = fmt.Sprintf("db-%s.sql.gz", ts.Format(timestampFormat))
	}
	artifact := &Artifact{
		Path:       path.Join(a.config.BackupPath, name),
		Timestamp:  ts,
		Compressed: true,
	}

	cmd, err := a.dumpCommand(creds, artifact.Path)
	if err != nil {
		return nil, deployerr.Wrap(deployerr.BackupFailure, err)
	}

	log.Infof("Backing up database %q to %s...", creds.Database, artifact.Path)

	res, err := a.exec.Run(ctx, cmd)
	if err != nil {
		if deployerr.KindOf(err) == deployerr.TransportError {
			return nil, err
		}
		return nil, deployerr.Wrap(deployerr.BackupFailure, err)
	}
	if !res.Success() {
		return nil, deployerr.Errorf(deployerr.BackupFailure, "dump database: exit status %d: %s", res.ExitCode, res.Message())
	}

	log.Infof("Database backup written to %s", artifact.Path)
	return artifact, nil
}

// Credentials reads database credentials from the environment file on the host.
func (a *Agent) Credentials(ctx context.Context) (*Credentials, error) {
	res, err := a.exec.Run(ctx, remote.Cmd("cat", a.config.EnvFile).In(a.config.Compose.Dir))
	if err != nil {
		if deployerr.KindOf(err) == deployerr.TransportError {
			return nil, err
		}
		return nil, deployerr.Wrap(deployerr.BackupFailure, err)
	}
	if !res.Success() {
		return nil, deployerr.Errorf(deployerr.BackupFailure, "environment file %s is not readable: %s", a.config.EnvFile, res.Message())
	}

	env, err := godotenv.Unmarshal(res.Stdout)
	if err != nil {
		return nil, deployerr.Errorf(deployerr.BackupFailure, "parse environment file %s: %w", a.config.EnvFile, err)
	}

	password, hasPassword := env[KeyPassword]
	a.redactor.Add(password)

	creds := &Credentials{
		Driver:   env[KeyConnection],
		Database: env[KeyDatabase],
		Username: env[KeyUsername],
		Password: password,
	}

	missing := make([]string, 0)
	if len(creds.Database) == 0 {
		missing = append(missing, KeyDatabase)
	}
	if len(creds.Username) == 0 {
		missing = append(missing, KeyUsername)
	}
	if !hasPassword {
		missing = append(missing, KeyPassword)
	}
	if len(missing) > 0 {
		return nil, deployerr.Errorf(deployerr.BackupFailure, "database credentials missing from %s: %s", a.config.EnvFile, strings.Join(missing, ", "))
	}

	return creds, nil
}

func (a *Agent) dumpCommand(creds *Credentials, target string) (remote.Command, error) {
	var passwordEnv string
	var dump []string

	switch strings.ToLower(creds.Driver) {
	case health.DriverMySQL, health.DriverMariaDB, "":
		passwordEnv = "MYSQL_PWD"
		dump = []string{"mysqldump", "--user=" + creds.Username, "--single-transaction", "--routines", "--no-tablespaces", creds.Database}
	case health.DriverPostgres, "postgres":
		passwordEnv = "PGPASSWORD"
		dump = []string{"pg_dump", "--username=" + creds.Username, "--no-owner", creds.Database}
	default:
		return remote.Command{}, fmt.Errorf("unsupported database driver %q", creds.Driver)
	}

	prefix, err := a.config.Compose.Script("exec", "-T", "--env")
	if err != nil {
		return remote.Command{}, err
	}
	rest, err := remote.QuoteAll(append([]string{a.config.Service}, dump...)...)
	if err != nil {
		return remote.Command{}, err
	}
	// The password is expanded by the host shell from the exported variable
	// and is not part of the dump arguments.
	dumpScript := fmt.Sprintf(`%s "%s=${%s}" %s`, prefix, passwordEnv, passwordEnv, rest)

	dir, err := remote.Quote(path.Dir(target))
	if err != nil {
		return remote.Command{}, err
	}
	file, err := remote.Quote(target)
	if err != nil {
		return remote.Command{}, err
	}

	script := fmt.Sprintf("mkdir -p %s && %s | gzip > %s && gzip -t %s", dir, dumpScript, file, file)

	cmd := remote.Cmd("bash", "-o", "pipefail", "-c", script).
		In(a.config.Compose.Dir).
		WithEnv(a.config.Compose.Env).
		WithEnv(map[string]string{passwordEnv: creds.Password})

	return cmd, nil
}
