package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolveNamed_Precedence(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	got := ResolveNamed("hooks", provider, loggerOnly).Logger.(*capturingLogger)
	if got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}
	if provider.lastName != "hooks" {
		t.Fatalf("expected named lookup, got %q", provider.lastName)
	}

	resolved := ResolveNamed("hooks", nil, loggerOnly)
	if resolved.Logger.(*capturingLogger).id != "logger" {
		t.Fatalf("expected direct logger when provider is nil")
	}
	if resolved.Provider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	empty := ResolveNamed("", nil, nil)
	if empty.Logger == nil || empty.JobLogger == nil {
		t.Fatalf("expected nop logger fallback, got %+v", empty)
	}
}

func TestResolveNamed_NamedChild(t *testing.T) {
	provider := &capturingProvider{logger: &capturingLogger{id: "provider"}}
	loggers := ResolveNamed("", provider, nil)
	if provider.lastName != DefaultName {
		t.Fatalf("expected default name lookup, got %q", provider.lastName)
	}

	loggers.Named("hooks.worker")
	if provider.lastName != "hooks.worker" {
		t.Fatalf("expected child lookup, got %q", provider.lastName)
	}
	if (Loggers{}).Named("x") == nil {
		t.Fatalf("expected nop logger from empty bundle")
	}
}

func TestResolveNamed_GoJobBridge(t *testing.T) {
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	loggers := ResolveNamed("hooks", provider, nil)
	if loggers.JobProvider == nil || loggers.JobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	loggers.JobProvider.GetLogger("hooks").Info("hello", "k", "v")

	captured := providerLogger.lastInfo
	if captured.msg != "hello" {
		t.Fatalf("expected bridged message, got %q", captured.msg)
	}
	if captured.args[0] != "k" || captured.args[1] != "v" {
		t.Fatalf("expected bridged args, got %#v", captured.args)
	}
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger   *capturingLogger
	lastName string
}

func (p *capturingProvider) GetLogger(name string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	p.lastName = name
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{
		msg:  msg,
		args: append([]any(nil), args...),
	}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
