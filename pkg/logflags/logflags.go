// Package logflags configures the per-component loggers used by the
// session engine and the command line front-end.
package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var anyFlag = false
var session = false
var launch = false
var ports = false
var memory = false
var relay = false

var logOut io.WriteCloser

// forceColors is set when the log destination is an interactive terminal.
var forceColors = false

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if forceColors {
		logger.Logger.Formatter = colorFormatterInstance
	}
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return anyFlag
}

// Session returns true if the session orchestration should log.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the session orchestration.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Launch returns true if the target launcher and handle acquirer should log.
func Launch() bool {
	return launch
}

// LaunchLogger returns a logger for the target launcher.
func LaunchLogger() Logger {
	return makeFlaggableLogger(launch, Fields{"layer": "launch"})
}

// Ports returns true if exception port redirection should be logged.
func Ports() bool {
	return ports
}

// PortsLogger returns a logger for the exception port redirector.
func PortsLogger() Logger {
	return makeFlaggableLogger(ports, Fields{"layer": "ports"})
}

// Memory returns true if breakpoint patching should be logged.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the breakpoint injector.
func MemoryLogger() Logger {
	return makeFlaggableLogger(memory, Fields{"layer": "memory"})
}

// Relay returns true if every relayed exception message should be logged.
func Relay() bool {
	return relay
}

// RelayLogger returns a logger for the exception relay loop.
func RelayLogger() Logger {
	return makeFlaggableLogger(relay, Fields{"layer": "relay"})
}

// WriteError writes an error message to the log, regardless of whether
// logging is enabled or not.
func WriteError(msg string) {
	logger := logrus.New().WithFields(logrus.Fields{})
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Error(msg)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logFlag && logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "isolate-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	} else if logFlag && isatty.IsTerminal(os.Stderr.Fd()) {
		forceColors = true
		logOut = nopCloser{colorable.NewColorableStderr()}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	anyFlag = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "session":
			session = true
		case "launch":
			launch = true
		case "ports":
			ports = true
		case "memory":
			memory = true
		case "relay":
			relay = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'isolate help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// textFormatterInstance is the default text formatter.
var textFormatterInstance = &textFormatter{}

// colorFormatterInstance is used when logs go to an interactive terminal.
var colorFormatterInstance = &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}

type textFormatter struct{}

// Format renders one entry as "time level layer=... msg".
func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), entry.Level.String())
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "layer=%v ", layer)
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
