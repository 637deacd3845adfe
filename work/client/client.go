package client

import (
	"net"
	"net/http"
	"time"

	"iptv-hub/work/config"
)

// Headers are the request headers every upstream call carries unless the
// caller already set them on the request.
type Headers struct {
	UserAgent string
	Origin    string
	Referrer  string
}

// HeaderSettingClient wraps http.Client to fill in upstream headers and to
// enforce connect and header-read timeouts on every request. There is no
// overall timeout because stream bodies are read indefinitely.
type HeaderSettingClient struct {
	Client  *http.Client
	headers Headers
}

// NewHeaderSettingClient builds a client from the stream settings and default
// headers of the configuration.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	return New(cfg.Stream.ConnectTimeout, cfg.Stream.ReadTimeout, Headers{
		UserAgent: cfg.UserAgent,
		Origin:    cfg.ReqOrigin,
		Referrer:  cfg.ReqReferrer,
	})
}

// New builds a client with explicit timeouts.
//
// Parameters:
//   - connectTimeout: TCP dial and TLS handshake bound
//   - readTimeout: maximum wait for response headers
//   - headers: defaults applied to requests that do not set them
func New(connectTimeout, readTimeout time.Duration, headers Headers) *HeaderSettingClient {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   connectTimeout,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: readTimeout,
			},
		},
		headers: headers,
	}
}

// Do sends the request after applying default headers.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// CloseIdleConnections releases pooled keep-alive connections.
func (hsc *HeaderSettingClient) CloseIdleConnections() {
	hsc.Client.CloseIdleConnections()
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	setIfEmpty(req, "User-Agent", hsc.headers.UserAgent)
	setIfEmpty(req, "Origin", hsc.headers.Origin)
	setIfEmpty(req, "Referer", hsc.headers.Referrer)
	setIfEmpty(req, "Accept", "*/*")
}

func setIfEmpty(req *http.Request, key, value string) {
	if value != "" && req.Header.Get(key) == "" {
		req.Header.Set(key, value)
	}
}

// ApplySourceHeaders sets per-provider header overrides on a request.
func ApplySourceHeaders(req *http.Request, src *config.SourceConfig) {
	if src == nil {
		return
	}
	if src.UserAgent != "" {
		req.Header.Set("User-Agent", src.UserAgent)
	}
	if src.ReqOrigin != "" {
		req.Header.Set("Origin", src.ReqOrigin)
	}
	if src.ReqReferrer != "" {
		req.Header.Set("Referer", src.ReqReferrer)
	}
}
