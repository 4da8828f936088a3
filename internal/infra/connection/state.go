// Package connection keeps one resilient transport link open on behalf of every other component.
package connection

import (
	"time"
)

// State is the lifecycle state of the managed link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config controls dialing, heartbeat and reconnection.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	StallTimeout         time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ConnectTimeout:       10 * time.Second,
		PingInterval:         30 * time.Second,
		StallTimeout:         60 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		WriteTimeout:         5 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig(c.URL)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = c.ReconnectBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}
