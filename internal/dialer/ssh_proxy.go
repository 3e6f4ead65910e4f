package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/loopproxy/internal/ssh"
)

// SSHProxyDialer tunnels connections through an SSH server, one
// "direct-tcpip" channel per dial, the same as ssh -D.
//
// All channels share one SSH transport, opened lazily on the first dial.
// Cancelling a dial's context closes only that channel. When opening a
// channel fails for transport reasons, the transport is discarded and
// redialed once.
type SSHProxyDialer struct {
	sshAddr   string
	sshConfig internalssh.ClientConfig
	direct    Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer needs a username plus a password, cfg.SSHKeyPath, or
// both. cfg.SSHKnownHostsPath enables host key checking.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr: sshAddr,
		sshConfig: internalssh.ClientConfig{
			Username:         username,
			Password:         password,
			Signers:          signers,
			HostKeyCallback:  hostKeyCallback,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		direct: NewDirectDialer(cfg),
	}, nil
}

func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	c, err := client.DialContext(ctx, "tcp", address)
	var openErr *ssh.OpenChannelError
	if err != nil && !errors.As(err, &openErr) && ctx.Err() == nil {
		// The server did not refuse the channel, so the transport itself
		// may be gone.
		f.invalidateClient(client)
		if client, err = f.getClient(ctx); err != nil {
			return nil, err
		}
		c, err = client.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	return &sshChannelConn{Conn: c, stop: stop}, nil
}

// getClient returns the shared client, connecting if there is none. Only one
// connect runs at a time; it continues for other waiters if ctx is cancelled.
func (f *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		c, err := f.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.client = c
		f.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	client, err := internalssh.NewClient(conn, f.sshConfig, f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}
	return client, nil
}

// invalidateClient drops stale if it is still the shared client.
func (f *SSHProxyDialer) invalidateClient(stale *ssh.Client) {
	f.mu.Lock()
	if f.client != stale {
		f.mu.Unlock()
		return
	}
	f.client = nil
	f.mu.Unlock()
	_ = stale.Close()
}

// Close shuts the shared transport and every channel riding on it.
func (f *SSHProxyDialer) Close() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// sshChannelConn is one direct-tcpip channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// CloseWrite sends EOF on the channel.
func (c *sshChannelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("close write unsupported")
}
