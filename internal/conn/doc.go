// Package conn holds the connection plumbing shared by the proxy: the
// non-blocking Transport abstraction, the Buffered connection that queues
// output until a transport accepts it, and keepalive-aware TCP listeners.
package conn
