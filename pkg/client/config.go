package client

import (
	"github.com/coachpo/tickwire/internal/app/correlator"
	"github.com/coachpo/tickwire/internal/app/session"
	"github.com/coachpo/tickwire/internal/app/subscription"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/config"
	"github.com/coachpo/tickwire/internal/infra/connection"
)

// Config carries everything a Client needs; there are no package-level defaults
// shared between instances.
type Config struct {
	Connection     connection.Config
	Requests       correlator.Config
	Subscriptions  subscription.Config
	Session        session.Config
	QueueWarnDepth int
	// ReadLimitBytes caps inbound frame size for the default websocket dialer.
	ReadLimitBytes int64
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		Connection:     connection.DefaultConfig(url),
		Requests:       correlator.Config{Timeout: 0, IDHistory: 0},
		Subscriptions:  subscription.Config{ControlRate: 10, ControlBurst: 10},
		Session:        session.Config{PreferredCurrency: "USD"},
		QueueWarnDepth: eventbus.DefaultQueueWarnDepth,
		ReadLimitBytes: 2 << 20,
	}
}

// ConfigFromApp maps the YAML application config onto a client Config.
func ConfigFromApp(app config.AppConfig) (Config, error) {
	url, err := app.Endpoint.SocketURL()
	if err != nil {
		return Config{}, err
	}
	conn := app.Connection
	return Config{
		Connection: connection.Config{
			URL:                  url,
			ConnectTimeout:       conn.ConnectTimeout,
			PingInterval:         conn.PingInterval,
			StallTimeout:         conn.StallTimeout,
			ReconnectBase:        conn.ReconnectBase,
			ReconnectCap:         conn.ReconnectCap,
			MaxReconnectAttempts: conn.MaxReconnectAttempts,
			WriteTimeout:         conn.WriteTimeout,
		},
		Requests: correlator.Config{
			Timeout:   app.Requests.Timeout,
			IDHistory: app.Requests.IDHistory,
		},
		Subscriptions: subscription.Config{
			ControlRate:  app.Subscriptions.ControlRate,
			ControlBurst: app.Subscriptions.ControlBurst,
		},
		Session:        session.Config{PreferredCurrency: app.Session.PreferredCurrency},
		QueueWarnDepth: app.Eventbus.QueueWarnDepth,
		ReadLimitBytes: conn.ReadLimitBytes,
	}, nil
}

// ParseCredentials reads an OAuth redirect query (acct1=..&token1=..&cur1=..)
// or a comma separated token list.
func ParseCredentials(raw string) ([]schema.Credential, error) {
	return session.ParseTokens(raw)
}
