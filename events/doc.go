// Package events provides Event Record Store backends.
package events
