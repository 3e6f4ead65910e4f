// Package httphead parses the leading HTTP/1.x request head a proxy client
// sends and rebuilds it for the upstream.
//
// Only the first chunk read from a client is parsed. The head does not need
// to be complete: a missing blank line ends the header block at the end of
// input.
package httphead

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// DefaultPort is used for non-CONNECT targets without an explicit port.
const DefaultPort = "80"

// MethodConnect is the tunnel method.
const MethodConnect = "CONNECT"

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed request")

// Header is one header line, with the name in its original case.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed request head.
//
// The header store is owned by the Request; Build never mutates it.
type Request struct {
	Method  string
	Target  string
	Version string

	// URL is the parsed absolute-form (or origin-form) target. It is nil for
	// CONNECT, whose target is an authority.
	URL *url.URL

	Hostname string
	Port     string

	// Body holds everything after the blank line, or nil.
	Body []byte

	headers map[string]Header
	order   []string
}

// Parse parses data as a request head followed by an optional body.
func Parse(data []byte) (*Request, error) {
	head := data
	var body []byte
	if i := bytes.Index(data, []byte(crlf+crlf)); i >= 0 {
		head = data[:i]
		if rest := data[i+2*len(crlf):]; len(rest) > 0 {
			body = bytes.Clone(rest)
		}
	}

	lines := strings.Split(strings.TrimSuffix(string(head), crlf), crlf)

	r := &Request{
		Body:    body,
		headers: make(map[string]Header),
	}
	if err := r.parseRequestLine(lines[0]); err != nil {
		return nil, err
	}
	if err := r.parseHeaders(lines[1:]); err != nil {
		return nil, err
	}
	if err := r.resolveAuthority(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Request) parseRequestLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("%w: request line has %d fields, want 3", ErrMalformed, len(fields))
	}
	r.Method, r.Target, r.Version = fields[0], fields[1], fields[2]
	return nil
}

func (r *Request) parseHeaders(lines []string) error {
	for _, line := range lines {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("%w: header line %q has no colon", ErrMalformed, line)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: empty header name", ErrMalformed)
		}
		r.add(name, strings.TrimSpace(value))
	}
	return nil
}

// add stores a header unless one with the same name was seen first.
func (r *Request) add(name, value string) {
	key := strings.ToLower(name)
	if _, ok := r.headers[key]; ok {
		return
	}
	r.headers[key] = Header{Name: name, Value: value}
	r.order = append(r.order, key)
}

func (r *Request) resolveAuthority() error {
	if r.Method == MethodConnect {
		host, port, err := splitAuthority(r.Target)
		if err != nil {
			return err
		}
		if !validPort(port) {
			return fmt.Errorf("%w: invalid CONNECT port %q", ErrMalformed, port)
		}
		r.Hostname, r.Port = host, port
		return nil
	}

	u, err := url.Parse(r.Target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	r.URL = u

	authority := u.Host
	if authority == "" {
		// Origin-form target: fall back to the Host header.
		authority, _ = r.Header("Host")
	}
	if authority == "" {
		return fmt.Errorf("%w: no host in target %q", ErrMalformed, r.Target)
	}

	hostport := &url.URL{Host: authority}
	r.Hostname = hostport.Hostname()
	r.Port = hostport.Port()
	if r.Hostname == "" {
		return fmt.Errorf("%w: empty hostname in %q", ErrMalformed, authority)
	}
	if r.Port == "" {
		r.Port = DefaultPort
	} else if !validPort(r.Port) {
		return fmt.Errorf("%w: invalid port %q", ErrMalformed, r.Port)
	}
	return nil
}

// splitAuthority splits a CONNECT target on its last colon.
func splitAuthority(target string) (string, string, error) {
	i := strings.LastIndex(target, ":")
	if i < 0 {
		return "", "", fmt.Errorf("%w: CONNECT target %q has no port", ErrMalformed, target)
	}
	host, port := target[:i], target[i+1:]
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" || port == "" {
		return "", "", fmt.Errorf("%w: CONNECT target %q needs host and port", ErrMalformed, target)
	}
	return host, port, nil
}

func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	h, ok := r.headers[strings.ToLower(name)]
	return h.Value, ok
}

// Headers returns the headers in the order they were first seen.
func (r *Request) Headers() []Header {
	hs := make([]Header, 0, len(r.order))
	for _, key := range r.order {
		hs = append(hs, r.headers[key])
	}
	return hs
}

// Len returns the number of distinct headers.
func (r *Request) Len() int {
	return len(r.order)
}

// Addr returns the upstream address as host:port.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Hostname, r.Port)
}

// IsConnect reports whether the request asks for a tunnel.
func (r *Request) IsConnect() bool {
	return r.Method == MethodConnect
}

// Path returns the origin-form target: path, query and fragment. An empty
// path becomes "/". For CONNECT it returns the authority unchanged.
func (r *Request) Path() string {
	if r.URL == nil {
		return r.Target
	}
	var sb strings.Builder
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sb.WriteString(path)
	if r.URL.RawQuery != "" {
		sb.WriteByte('?')
		sb.WriteString(r.URL.RawQuery)
	}
	if r.URL.Fragment != "" {
		sb.WriteByte('#')
		sb.WriteString(r.URL.EscapedFragment())
	}
	return sb.String()
}

// Build serializes the request with the origin-form target. Headers named in
// deleteHeaders (any case) are skipped and addHeaders are appended after the
// retained ones.
func (r *Request) Build(deleteHeaders []string, addHeaders []Header) []byte {
	skip := make(map[string]bool, len(deleteHeaders))
	for _, name := range deleteHeaders {
		skip[strings.ToLower(name)] = true
	}

	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Path())
	b.WriteByte(' ')
	b.WriteString(r.Version)
	b.WriteString(crlf)

	for _, key := range r.order {
		if skip[key] {
			continue
		}
		writeHeader(&b, r.headers[key])
	}
	for _, h := range addHeaders {
		writeHeader(&b, h)
	}
	b.WriteString(crlf)
	b.Write(r.Body)
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, h Header) {
	b.WriteString(h.Name)
	b.WriteString(": ")
	b.WriteString(h.Value)
	b.WriteString(crlf)
}
