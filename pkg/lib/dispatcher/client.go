package dispatcher

import (
	"net"
	"net/http"
	"time"
)

const (
	TCPDialTimeout       = 5 * time.Second
	TCPKeepAliveInterval = 30 * time.Second
	IdleConnTimeout      = 90 * time.Second
)

// NewHTTPClient returns the client used for shots. Shots are sequential, so
// a single kept-alive connection per host is enough.
func NewHTTPClient(requestTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   TCPDialTimeout,
			KeepAlive: TCPKeepAliveInterval,
		}).DialContext,
		ResponseHeaderTimeout: requestTimeout,
	}
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: transport,
	}
}
