// Package ssh holds the SSH client pieces used by the ssh:// upstream: key
// loading (files or the SSH agent), known_hosts verification with trust on
// first use, and the client handshake over an existing connection.
package ssh
