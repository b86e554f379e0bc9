// Package alert delivers terminal-failure notifications. Every alerter
// implements core.Alerter; Safe turns any of them into a best-effort
// notifier that never fails its caller.
package alert
