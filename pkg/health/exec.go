package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kangbeef/deploy/pkg/remote"
	"github.com/kangbeef/deploy/pkg/stack"
)

// ExecChecker runs a command on the deployment host. Exit code 0 means healthy.
type ExecChecker struct {
	Exec        remote.Executor
	Command     remote.Command
	Description string
}

func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res, err := e.Exec.Run(ctx, e.Command)
	result := Result{
		CheckedAt: start,
		Duration:  time.Since(start),
	}

	switch {
	case err != nil:
		result.Err = err
		result.Message = err.Error()
	case res.Success():
		result.Healthy = true
		result.Message = "ok"
	default:
		result.Message = fmt.Sprintf("exit status %d: %s", res.ExitCode, res.Message())
	}

	return result
}

func (e *ExecChecker) String() string {
	return e.Description
}

// Database drivers, named as in the application's DB_CONNECTION setting.
const (
	DriverMySQL    = "mysql"
	DriverMariaDB  = "mariadb"
	DriverPostgres = "pgsql"
)

// NewDatabaseChecker pings the database server inside its container.
func NewDatabaseChecker(exec remote.Executor, compose stack.Compose, service, driver string) (*ExecChecker, error) {
	var args []string
	switch strings.ToLower(driver) {
	case DriverMySQL, DriverMariaDB, "":
		args = []string{"mysqladmin", "ping", "--host", "localhost", "--silent"}
	case DriverPostgres, "postgres":
		args = []string{"pg_isready", "--quiet"}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	return &ExecChecker{
		Exec:        exec,
		Command:     compose.Exec(service, args...),
		Description: fmt.Sprintf("%s in service %s", args[0], service),
	}, nil
}

// NewAppChecker requests the application's health endpoint from the host.
func NewAppChecker(exec remote.Executor, port int, path string, timeout time.Duration) *ExecChecker {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := "http://127.0.0.1:" + strconv.Itoa(port) + path
	seconds := strconv.Itoa(int(timeout.Round(time.Second).Seconds()))
	if seconds == "0" {
		seconds = "1"
	}

	return &ExecChecker{
		Exec:        exec,
		Command:     remote.Cmd("curl", "--fail", "--silent", "--show-error", "--output", "/dev/null", "--max-time", seconds, url),
		Description: "GET " + url,
	}
}
