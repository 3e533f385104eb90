// Package pkg holds ambient, process-wide state shared by every layer of the
// bridge: structured logging and the sentinel error/status taxonomy. It has
// no knowledge of OPC, USB, or the mapping engine.
package pkg

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Component identifies a subsystem for log filtering.
type Component string

// Bridge component identifiers.
const (
	ComponentCore    Component = "core"
	ComponentOPC     Component = "opc"
	ComponentMapping Component = "mapping"
	ComponentDevice  Component = "device"
	ComponentUSB     Component = "usb"
	ComponentConfig  Component = "config"
)

var (
	// root is the process-wide logger. Replaceable via SetLogger so tests
	// and alternate entry points can redirect or silence it.
	root *logrus.Logger

	logMutex sync.RWMutex
)

func init() {
	root = logrus.New()
	root.SetOutput(os.Stderr)
	root.SetLevel(logrus.WarnLevel)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// SetVerbose raises the process log level to Debug when verbose is true,
// otherwise restores the default Warn level. This is the "simple
// process-wide state initialized at startup" the source's global verbose
// flag is re-architected into.
func SetVerbose(verbose bool) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if verbose {
		root.SetLevel(logrus.DebugLevel)
		return
	}
	root.SetLevel(logrus.WarnLevel)
}

// SetJSON switches the process logger between text and JSON formatting.
func SetJSON(json bool) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if json {
		root.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// SetOutput redirects process-wide logging, primarily for tests.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	root.SetOutput(w)
}

// SetLogger replaces the process-wide logrus logger outright.
func SetLogger(l *logrus.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	root = l
}

// For returns a log entry pre-tagged with component, suitable for chaining
// .WithField/.WithError before emitting a line.
func For(component Component) *logrus.Entry {
	logMutex.RLock()
	l := root
	logMutex.RUnlock()
	return l.WithField("component", string(component))
}

// Debugf logs a debug-level line tagged with component.
func Debugf(component Component, format string, args ...any) {
	For(component).Debugf(format, args...)
}

// Infof logs an info-level line tagged with component.
func Infof(component Component, format string, args ...any) {
	For(component).Infof(format, args...)
}

// Warnf logs a warning-level line tagged with component.
func Warnf(component Component, format string, args ...any) {
	For(component).Warnf(format, args...)
}

// Errorf logs an error-level line tagged with component.
func Errorf(component Component, format string, args ...any) {
	For(component).Errorf(format, args...)
}
