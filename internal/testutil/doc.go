// Package testutil provides throwaway servers for tests: TCP echo, single
// accept, and an SSH server that forwards direct-tcpip channels.
package testutil
