// Package proxy implements the forward proxy sessions.
//
// A Server accepts client connections and starts one Session per connection
// on the event loop. A Session reads a single request head, dials the
// requested host, and then relays bytes in both directions until each side
// has finished. CONNECT requests get a tunnel; any other method is forwarded
// once with "Connection: Close".
//
// All Session state is touched only from the event loop goroutine.
package proxy
