package paykit

import (
	"time"

	"github.com/vitwit/paykit/clients"
	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/metrics"
	"github.com/vitwit/paykit/subscription"
)

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithTimeout bounds every Pay call, retries included.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) {
		c.timeout = t
	}
}

func WithLedger(l clients.Ledger) Option {
	return func(c *Client) {
		c.ledger = l
	}
}

func WithSigner(s clients.Signer) Option {
	return func(c *Client) {
		c.signer = s
	}
}

func WithConfirmer(cf clients.Confirmer) Option {
	return func(c *Client) {
		c.confirmer = cf
	}
}

// WithConfirmation turns confirmation polling after submission on or off.
func WithConfirmation(enabled bool) Option {
	return func(c *Client) {
		c.confirm = enabled
	}
}

func WithEngine(e *subscription.Engine) Option {
	return func(c *Client) {
		c.engine = e
	}
}
