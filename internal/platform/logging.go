package platform

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type logLevel string

const (
	logLevelDebug logLevel = "DEBUG"
	logLevelInfo  logLevel = "INFO"
	logLevelWarn  logLevel = "WARN"
	logLevelError logLevel = "ERROR"

	logLevelEnv = "PIPELINE_LOG_LEVEL"
)

type appLogger struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
	min   logLevel
}

type sourceLogger struct {
	app    *appLogger
	source string
}

func newAppLogger() *appLogger {
	return &appLogger{
		mu:    sync.Mutex{},
		out:   os.Stdout,
		color: supportsColor(),
		min:   parseLogLevel(os.Getenv(logLevelEnv)),
	}
}

var processLogger = sync.OnceValue(newAppLogger)

func appLoggerForProcess() *appLogger {
	return processLogger()
}

func supportsColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	if term == "" || term == "dumb" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func parseLogLevel(raw string) logLevel {
	switch logLevel(strings.ToUpper(strings.TrimSpace(raw))) {
	case logLevelDebug:
		return logLevelDebug
	case logLevelWarn, "WARNING":
		return logLevelWarn
	case logLevelError:
		return logLevelError
	default:
		return logLevelInfo
	}
}

func logLevelRank(level logLevel) int {
	switch level {
	case logLevelDebug:
		return 0
	case logLevelInfo:
		return 1
	case logLevelWarn:
		return 2
	case logLevelError:
		return 3
	default:
		return 1
	}
}

func (l *appLogger) Source(source string) sourceLogger {
	return sourceLogger{
		app:    l,
		source: source,
	}
}

func (l *appLogger) logf(level logLevel, source, format string, args ...any) {
	if logLevelRank(level) < logLevelRank(l.min) {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	msg := fmt.Sprintf(format, args...)
	levelText := fmt.Sprintf("%-5s", level)
	sourceText := fmt.Sprintf("%-14s", source)

	if l.color {
		ts = paint(color.FgHiBlack, ts)
		levelText = paint(levelColor(level), levelText)
		sourceText = paint(sourceColor(source), sourceText)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, ts+" "+levelText+" "+sourceText+" "+msg+"\n")
}

func (l sourceLogger) Debugf(format string, args ...any) {
	l.app.logf(logLevelDebug, l.source, format, args...)
}

func (l sourceLogger) Infof(format string, args ...any) {
	l.app.logf(logLevelInfo, l.source, format, args...)
}

func (l sourceLogger) Warnf(format string, args ...any) {
	l.app.logf(logLevelWarn, l.source, format, args...)
}

func (l sourceLogger) Errorf(format string, args ...any) {
	l.app.logf(logLevelError, l.source, format, args...)
}

func (l sourceLogger) Fatalf(format string, args ...any) {
	l.app.logf(logLevelError, l.source, format, args...)
	os.Exit(1)
}

func levelColor(level logLevel) color.Attribute {
	switch level {
	case logLevelDebug:
		return color.FgCyan
	case logLevelInfo:
		return color.FgGreen
	case logLevelWarn:
		return color.FgYellow
	case logLevelError:
		return color.FgRed
	default:
		return color.FgWhite
	}
}

func sourceColor(source string) color.Attribute {
	switch source {
	case "main":
		return color.FgHiWhite
	case "api":
		return color.FgHiBlue
	case stageCheckout:
		return color.FgMagenta
	case stageStaticAnalysis:
		return color.FgCyan
	case stageSecurityScan:
		return color.FgHiRed
	case stageBuildPush:
		return color.FgHiYellow
	case stageManifestUpdate:
		return color.FgGreen
	case "finalizer":
		return color.FgHiGreen
	default:
		palette := []color.Attribute{
			color.FgBlue,
			color.FgMagenta,
			color.FgCyan,
			color.FgHiGreen,
			color.FgHiYellow,
			color.FgHiMagenta,
			color.FgHiCyan,
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(source))
		return palette[int(h.Sum32())%len(palette)]
	}
}

// paint ignores color.NoColor; the caller already decided the output is a TTY.
func paint(attr color.Attribute, s string) string {
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

// SetLogLevel overrides PIPELINE_LOG_LEVEL; call it before starting workers.
func SetLogLevel(raw string) {
	l := appLoggerForProcess()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = parseLogLevel(raw)
}
