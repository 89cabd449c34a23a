package deployer

import (
	"bytes"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kangbeef/deploy/pkg/deployerr"
	"github.com/kangbeef/deploy/pkg/redact"
)

type ActionsFormatter struct{}

// SetupLogging configures the standard logger. Every message and string field
// passes through the redactor before it is formatted.
func SetupLogging(cfg Config, out io.Writer, redactor *redact.Redactor) error {
	log.SetOutput(out)

	format := cfg.LogFormat
	if cfg.Actions {
		format = LogFormatActions
	}

	switch format {
	case LogFormatActions:
		log.SetFormatter(&ActionsFormatter{})
	case LogFormatJSON:
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        time.RFC3339Nano,
			DisableLevelTruncation: true,
		})
	}

	level := log.InfoLevel
	if len(cfg.LogLevel) > 0 {
		var err error
		level, err = log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return deployerr.Wrap(deployerr.InvocationFailure, err)
		}
	}
	if cfg.Quiet {
		level = log.ErrorLevel
	}
	log.SetLevel(level)

	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	log.AddHook(&RedactHook{Redactor: redactor})

	return nil
}

func (a *ActionsFormatter) Format(e *log.Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	switch e.Level {
	case log.PanicLevel, log.FatalLevel, log.ErrorLevel:
		buf.WriteString("::error::")
	case log.WarnLevel:
		buf.WriteString("::warning::")
	default:
		buf.WriteString("[")
		buf.WriteString(e.Time.Format(time.RFC3339Nano))
		buf.WriteString("] ")
	}
	buf.WriteString(e.Message)
	buf.WriteRune('\n')
	return buf.Bytes(), nil
}

// RedactHook masks registered secrets in log entries.
type RedactHook struct {
	Redactor *redact.Redactor
}

func (h *RedactHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *RedactHook) Fire(e *log.Entry) error {
	e.Message = h.Redactor.Redact(e.Message)
	for key, value := range e.Data {
		switch v := value.(type) {
		case string:
			e.Data[key] = h.Redactor.Redact(v)
		case error:
			e.Data[key] = h.Redactor.Redact(v.Error())
		}
	}
	return nil
}
