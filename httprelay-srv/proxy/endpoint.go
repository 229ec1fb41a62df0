package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultHTTPPort = 80

// Endpoint identifies an origin server. Two endpoints are the same origin
// only when host and port match literally; host names are not case-folded.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// requestTarget is the result of parsing an absolute-form request URI.
type requestTarget struct {
	endpoint Endpoint
	// hostHeader is the URI host without its port, used for a missing Host
	// header. IPv6 literals keep their brackets.
	hostHeader string
	// origin is the origin-form target: path plus query, "/" when empty.
	origin string
}

// parseRequestTarget parses an absolute-form proxy request URI such as
// http://example.com:8080/path?q=1. The port defaults to 80 when omitted.
func parseRequestTarget(uri string) (requestTarget, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return requestTarget{}, NewHTTPError(ErrCodeInvalidRequestTarget, GetErrorDescription(ErrCodeInvalidRequestTarget), err)
	}
	if !u.IsAbs() || u.Opaque != "" {
		return requestTarget{}, NewHTTPError(ErrCodeInvalidRequestTarget, GetErrorDescription(ErrCodeInvalidRequestTarget), fmt.Errorf("%q is not an absolute URL", uri))
	}
	host := u.Hostname()
	if host == "" {
		return requestTarget{}, NewHTTPError(ErrCodeInvalidRequestTarget, GetErrorDescription(ErrCodeInvalidRequestTarget), fmt.Errorf("%q has no host", uri))
	}

	port := defaultHTTPPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return requestTarget{}, NewHTTPError(ErrCodeInvalidPort, GetErrorDescription(ErrCodeInvalidPort), fmt.Errorf("port %q in %q", p, uri))
		}
	}

	hostHeader := host
	if strings.Contains(host, ":") {
		hostHeader = "[" + host + "]"
	}

	return requestTarget{
		endpoint:   Endpoint{Host: host, Port: port},
		hostHeader: hostHeader,
		origin:     u.RequestURI(),
	}, nil
}
