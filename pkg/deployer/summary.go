package deployer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
)

// LogSummary prints the outcome of a run.
func LogSummary(out *Outcome) {
	fn := log.Infof
	if !out.Succeeded() {
		fn = log.Errorf
	}

	log.Infof("Deployment information:")
	log.Infof("---")
	log.Infof("id...........: %s", out.RunID)
	log.Infof("environment..: %s", out.Environment)
	log.Infof("image........: %s", imageReference(out))
	log.Infof("build........: %d", out.Candidate.BuildNumber)
	if out.Backup != nil {
		log.Infof("backup.......: %s", out.Backup.Path)
	}
	log.Infof("duration.....: %s", out.Finished.Sub(out.Started).Round(time.Second))
	for _, warning := range out.Warnings {
		log.Warnf("warning......: %s", warning)
	}
	if len(out.FailedStage) > 0 {
		fn("failed stage.: %s (%s)", out.FailedStage, deployerr.KindOf(out.Err))
	}
	if len(out.Logs) > 0 {
		log.Infof("last logs....:")
		for _, line := range strings.Split(out.Logs, "\n") {
			log.Info("  " + line)
		}
	}
	if out.RolledBack {
		log.Warnf("rolled back..: %s", out.Advice.Reference)
	}
	log.Infof("rollback.....: %s", out.Advice)
	log.Info("---")
	fn("Deployment %s", strings.ToLower(string(out.Stage)))
}

// WriteStepSummary appends a markdown summary to the file named by GITHUB_STEP_SUMMARY,
// if set.
func WriteStepSummary(out *Outcome) error {
	path := os.Getenv("GITHUB_STEP_SUMMARY")
	if len(path) == 0 {
		return nil
	}
	summaryFile, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer summaryFile.Close()
	return StepSummary(summaryFile, out)
}

func StepSummary(w io.Writer, out *Outcome) error {
	var err error
	summary := func(format string, a ...any) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, format+"\n", a...)
	}

	status := "✅"
	if !out.Succeeded() {
		status = "❌"
	}

	summary("## 🚀 Stack deployment")
	summary("")
	summary("* Run ID: %s", out.RunID)
	summary("* Environment: %s", out.Environment)
	summary("* Image: `%s`", imageReference(out))
	summary("* Build: %d", out.Candidate.BuildNumber)
	summary("* Started at: %s", out.Started.Local().Truncate(time.Second))
	summary("* Finished at: %s", out.Finished.Local().Truncate(time.Second))
	if out.Backup != nil {
		summary("* Backup: `%s`", out.Backup.Path)
	}
	for _, warning := range out.Warnings {
		summary("* ⚠️ %s", warning)
	}
	summary("")
	if len(out.FailedStage) > 0 {
		summary("%s Final status: *%s* in stage `%s`", status, out.Stage, out.FailedStage)
		summary("")
		summary("```")
		summary("%s", out.Failure)
		summary("```")
		if len(out.Logs) > 0 {
			summary("")
			summary("<details><summary>Last service logs</summary>")
			summary("")
			summary("```")
			summary("%s", out.Logs)
			summary("```")
			summary("</details>")
		}
	} else {
		summary("%s Final status: *%s*", status, out.Stage)
	}
	summary("")
	if out.RolledBack {
		summary("Rolled back to `%s`.", out.Advice.Reference)
	} else if out.Advice.Available {
		summary("Roll back with:")
		summary("")
		summary("```sh")
		summary("%s", out.Advice.Command)
		summary("```")
	}

	return err
}

func imageReference(out *Outcome) string {
	if out.Resolved != nil {
		return out.Resolved.Reference
	}
	return out.Candidate.Reference()
}
