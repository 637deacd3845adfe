package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Failure kinds used as metric labels and reason prefixes.
const (
	KindTimeout   = "timeout"
	KindRefused   = "connection refused"
	KindReset     = "connection reset"
	KindDNS       = "dns lookup failed"
	KindTLS       = "tls error"
	KindCanceled  = "canceled"
	KindNetwork   = "network error"
	KindHTTP4xx   = "http 4xx"
	KindHTTP5xx   = "http 5xx"
	KindHTTPOther = "http status"
)

// Classify maps a transport error to a kind and a human readable reason. The
// reason always starts with the kind so operators can tell a timeout from a
// refused connection at a glance.
func Classify(err error) (kind, reason string) {
	if err == nil {
		return "", ""
	}

	detail := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		detail = urlErr.Err
	}

	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.As(err, &dnsErr):
		kind = KindDNS
		detail = fmt.Errorf("%s", dnsErr.Name)
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	case errors.Is(err, syscall.ECONNRESET):
		kind = KindReset
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:"):
		kind = KindTLS
	default:
		kind = KindNetwork
	}

	return kind, fmt.Sprintf("%s: %v", kind, detail)
}

// ClassifyError returns only the reason string of Classify.
func ClassifyError(err error) string {
	_, reason := Classify(err)
	return reason
}

// StatusKind groups an HTTP status code into a failure kind.
func StatusKind(code int) string {
	switch {
	case code >= 400 && code < 500:
		return KindHTTP4xx
	case code >= 500:
		return KindHTTP5xx
	default:
		return KindHTTPOther
	}
}

// StatusReason renders an HTTP status as a failure reason, e.g.
// "HTTP 404 (client error)".
func StatusReason(code int) string {
	class := "unexpected status"
	switch {
	case code >= 500:
		class = "server error"
	case code >= 400:
		class = "client error"
	case code >= 300:
		class = "redirect"
	}
	return fmt.Sprintf("HTTP %d (%s)", code, class)
}
