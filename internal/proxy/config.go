package proxy

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultReadSize bounds the single read that must contain the request head.
const DefaultReadSize = 8192

// Config configures a Server and the sessions it starts.
type Config struct {
	// ReadSize is the size of each non-blocking read.
	ReadSize int
	// NegotiationTimeout closes clients that send no request head in time.
	// Zero disables it.
	NegotiationTimeout time.Duration
	// ProxyAgent is sent as a Proxy-agent header in tunnel responses. Empty
	// omits the header.
	ProxyAgent string
	// AcceptRate limits accepted connections per second. Zero is unlimited.
	AcceptRate rate.Limit
	// AcceptBurst is the limiter's burst size.
	AcceptBurst int
}

func (c Config) withDefaults() Config {
	if c.ReadSize <= 0 {
		c.ReadSize = DefaultReadSize
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 1
	}
	return c
}
