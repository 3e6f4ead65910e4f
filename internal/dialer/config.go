package dialer

import (
	"net"
	"time"
)

// Config holds the settings shared by every upstream dialer.
type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds upstream proxy handshakes (TLS, CONNECT,
	// SOCKS5, SSH).
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// SSHKeyPath is "agent", a private key file, or empty.
	SSHKeyPath string
	// SSHKnownHostsPath enables known_hosts checking with trust on first use.
	SSHKnownHostsPath string
}
