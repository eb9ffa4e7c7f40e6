package gearman

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/roadrunner-server/errors"
)

const (
	// DefaultPort is appended to addresses configured without one.
	DefaultPort = "4730"

	defaultConnectTimeout   = time.Second
	defaultAdminParallelism = 4
)

// Config defines the job-server set and connection behavior of a Client.
type Config struct {
	// Servers is the list of job-server addresses in host:port form.
	// The port defaults to 4730 when omitted.
	Servers []string `mapstructure:"servers"`

	// ConnectTimeout limits a single dial attempt.
	// Default - 1s
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// RetryCount is the default number of retries applied to tasks which do
	// not carry their own. A retry is consumed only by a worker-reported
	// failure, never by a dispatch error or a worker exception.
	RetryCount int `mapstructure:"retry_count"`

	// AdminParallelism bounds concurrent admin queries across servers.
	AdminParallelism int `mapstructure:"admin_parallelism"`

	// TLS, when set, wraps every connection. The ServerName is derived from
	// the target address unless the config pins one.
	TLS *tls.Config `mapstructure:"-"`

	// SocketOption is applied to every freshly dialed connection before use.
	SocketOption func(net.Conn) `mapstructure:"-"`
}

// InitDefaults validates the server list and fills missing settings.
func (c *Config) InitDefaults() error {
	const op = errors.Op("config_init_defaults")

	if len(c.Servers) == 0 {
		return wrapE(op, ErrNoServers)
	}

	for i := range c.Servers {
		c.Servers[i] = normalizeAddr(c.Servers[i])
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.AdminParallelism == 0 {
		c.AdminParallelism = defaultAdminParallelism
	}

	return nil
}

// normalizeAddr appends the default Gearman port when none is present.
func normalizeAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, DefaultPort)
}
