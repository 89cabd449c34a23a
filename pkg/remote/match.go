package remote

import (
	"strings"

	"github.com/stretchr/testify/mock"
)

// Containing matches commands whose rendered line contains all fragments.
// For use with MockExecutor expectations.
func Containing(fragments ...string) any {
	return mock.MatchedBy(func(cmd Command) bool {
		line, err := cmd.Render()
		if err != nil {
			return false
		}
		for _, fragment := range fragments {
			if !strings.Contains(line, fragment) {
				return false
			}
		}
		return true
	})
}

func Ok(stdout string) Result {
	return Result{Stdout: stdout}
}

func Failed(code int, stderr string) Result {
	return Result{ExitCode: code, Stderr: stderr}
}
