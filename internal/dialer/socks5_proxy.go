package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer reaches targets through a SOCKS5 proxy (RFC 1928) using
// the CONNECT command, with optional username/password auth (RFC 1929).
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	err = f.negotiate(c)
	if err == nil {
		err = socks5Connect(c, address)
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (f *SOCKS5ProxyDialer) negotiate(c net.Conn) error {
	methods := []byte{socks5.MethodNone}
	if f.username != "" {
		methods = append(methods, socks5.MethodUsernamePassword)
	}

	if _, err := socks5.NewNegotiationRequest(methods).WriteTo(c); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	rep, err := socks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch {
	case rep.Method == socks5.MethodNone:
		return nil
	case rep.Method == socks5.MethodUsernamePassword && slices.Contains(methods, rep.Method):
		req := socks5.NewUserPassNegotiationRequest([]byte(f.username), []byte(f.password))
		if _, err := req.WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		urep, err := socks5.NewUserPassNegotiationReplyFrom(c)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if urep.Status != socks5.UserPassStatusSuccess {
			return errors.New("auth failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported negotiation method: %d", rep.Method)
	}
}

func socks5Connect(c net.Conn, address string) error {
	atyp, addr, port, err := socks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == socks5.ATYPDomain {
		// ParseAddress length-prefixes domains; NewRequest adds its own.
		addr = addr[1:]
	}

	if _, err := socks5.NewRequest(socks5.CmdConnect, atyp, addr, port).WriteTo(c); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := socks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != socks5.RepSuccess {
		return fmt.Errorf("connect failed: reply code %d", rep.Rep)
	}
	return nil
}
