package pipeline

import (
	"net/http"
	"time"
)

// NewPooledHTTPClient returns the client shared by the transcription and
// speech backends. poolSize bounds idle connections per host; a zero timeout
// leaves requests bounded only by their context.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          poolSize * 2,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
