package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultName = "hooks"

// Loggers is a resolved glog provider/logger pair plus the go-job views of
// the same loggers, for callers that run go-job workers next to hooks.
type Loggers struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// ResolveNamed resolves with precedence provider > logger > nop. When a
// provider is present the logger is always the provider's named logger.
func ResolveNamed(name string, provider glog.LoggerProvider, logger glog.Logger) Loggers {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(name); named != nil {
			resolvedLogger = named
		}
	}
	resolvedLogger = glog.Ensure(resolvedLogger)

	out := Loggers{
		Provider:  resolvedProvider,
		Logger:    resolvedLogger,
		JobLogger: job.GoLogger(resolvedLogger),
	}
	if resolvedProvider != nil {
		out.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	return out
}

// Named returns the named child logger, or the root logger when no
// provider was resolved.
func (l Loggers) Named(name string) glog.Logger {
	if l.Provider != nil && strings.TrimSpace(name) != "" {
		if named := l.Provider.GetLogger(name); named != nil {
			return named
		}
	}
	return glog.Ensure(l.Logger)
}
