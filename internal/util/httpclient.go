package util

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	sharedClient     *http.Client
	sharedClientOnce sync.Once
)

// httpClientConfig holds configuration for creating the pooled client.
type httpClientConfig struct {
	timeout             time.Duration
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
	idleConnTimeout     time.Duration
	tlsHandshakeTimeout time.Duration
	expectContinue      time.Duration
	keepAlive           time.Duration
	dialTimeout         time.Duration
}

func defaultConfig() httpClientConfig {
	return httpClientConfig{
		timeout:             30 * time.Second,
		maxIdleConns:        100,
		maxIdleConnsPerHost: 10,
		maxConnsPerHost:     20,
		idleConnTimeout:     90 * time.Second,
		tlsHandshakeTimeout: 5 * time.Second,
		expectContinue:      1 * time.Second,
		keepAlive:           30 * time.Second,
		dialTimeout:         5 * time.Second,
	}
}

func createTransport(cfg httpClientConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.dialTimeout,
			KeepAlive: cfg.keepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.maxIdleConns,
		MaxIdleConnsPerHost:   cfg.maxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.maxConnsPerHost,
		IdleConnTimeout:       cfg.idleConnTimeout,
		TLSHandshakeTimeout:   cfg.tlsHandshakeTimeout,
		ExpectContinueTimeout: cfg.expectContinue,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// GetSharedClient returns the shared pooled HTTP client.
func GetSharedClient() *http.Client {
	sharedClientOnce.Do(func() {
		cfg := defaultConfig()
		sharedClient = &http.Client{
			Transport: createTransport(cfg),
			Timeout:   cfg.timeout,
		}
	})
	return sharedClient
}

// NewClient builds a pooled HTTP client with a custom overall timeout.
func NewClient(timeout time.Duration) *http.Client {
	cfg := defaultConfig()
	if timeout > 0 {
		cfg.timeout = timeout
	}
	return &http.Client{
		Transport: createTransport(cfg),
		Timeout:   cfg.timeout,
	}
}
