package backend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/log"
	"gitlab.com/gitlab-org/labkit/tracing"

	"gitlab.com/gitlab-org/flowtrace/internal/metrics"
)

const (
	socketBaseURL             = "http://unix"
	unixSocketProtocol        = "http+unix://"
	httpProtocol              = "http://"
	httpsProtocol             = "https://"
	defaultReadTimeoutSeconds = 60
	defaultRetryWaitMinimum   = time.Second
	defaultRetryWaitMaximum   = 15 * time.Second
	defaultRetryMax           = 2
)

// ErrUnknownScheme is returned for backend URLs that are not http, https or
// http+unix.
var ErrUnknownScheme = errors.New("unknown backend URL prefix")

type httpClient struct {
	retryable *retryablehttp.Client
	host      string
}

type httpClientCfg struct {
	retryWaitMin, retryWaitMax time.Duration
	retryMax                   int
	transport                  http.RoundTripper
}

// HTTPClientOpt configures the HTTP client of a backend Client.
type HTTPClientOpt func(*httpClientCfg)

// WithRetryWait sets the minimum and maximum wait between retries.
func WithRetryWait(minWait, maxWait time.Duration) HTTPClientOpt {
	return func(hcc *httpClientCfg) {
		hcc.retryWaitMin = minWait
		hcc.retryWaitMax = maxWait
	}
}

// WithRetryMax sets the number of retries after a failed attempt.
func WithRetryMax(n int) HTTPClientOpt {
	return func(hcc *httpClientCfg) {
		hcc.retryMax = n
	}
}

// WithTransport replaces the base transport, e.g. with a test double.
func WithTransport(rt http.RoundTripper) HTTPClientOpt {
	return func(hcc *httpClientCfg) {
		hcc.transport = rt
	}
}

func newHTTPClient(backendURL string, readTimeoutSeconds uint64, opts []HTTPClientOpt) (*httpClient, error) {
	hcc := &httpClientCfg{
		retryWaitMin: defaultRetryWaitMinimum,
		retryWaitMax: defaultRetryWaitMaximum,
		retryMax:     defaultRetryMax,
	}

	for _, opt := range opts {
		opt(hcc)
	}

	var transport http.RoundTripper
	var host string
	switch {
	case strings.HasPrefix(backendURL, unixSocketProtocol):
		transport, host = buildSocketTransport(backendURL)
	case strings.HasPrefix(backendURL, httpProtocol):
		transport, host = &http.Transport{}, backendURL
	case strings.HasPrefix(backendURL, httpsProtocol):
		transport, host = buildHTTPSTransport(backendURL)
	default:
		return nil, ErrUnknownScheme
	}

	if hcc.transport != nil {
		transport = hcc.transport
	}

	c := retryablehttp.NewClient()
	c.RetryMax = hcc.retryMax
	c.RetryWaitMax = hcc.retryWaitMax
	c.RetryWaitMin = hcc.retryWaitMin
	c.Logger = nil
	c.HTTPClient.Transport = newTransport(transport)
	c.HTTPClient.Timeout = readTimeout(readTimeoutSeconds)

	return &httpClient{retryable: c, host: host}, nil
}

func buildSocketTransport(backendURL string) (*http.Transport, string) {
	socketPath := strings.TrimPrefix(backendURL, unixSocketProtocol)

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}

	return transport, socketBaseURL
}

func buildHTTPSTransport(backendURL string) (*http.Transport, string) {
	certPool, err := x509.SystemCertPool()
	if err != nil {
		certPool = x509.NewCertPool()
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:    certPool,
			MinVersion: tls.VersionTLS12,
		},
	}

	return transport, backendURL
}

func appendPath(host string, path string) string {
	return strings.TrimSuffix(host, "/") + "/" + strings.TrimPrefix(path, "/")
}

func readTimeout(timeoutSeconds uint64) time.Duration {
	if timeoutSeconds == 0 || timeoutSeconds > math.MaxInt64 {
		timeoutSeconds = defaultReadTimeoutSeconds
	}

	return time.Duration(timeoutSeconds) * time.Second // #nosec G115
}

type transport struct {
	next http.RoundTripper
}

// newTransport wraps next with logging, metrics, tracing and correlation ID
// propagation.
func newTransport(next http.RoundTripper) http.RoundTripper {
	t := &transport{next: metrics.NewRoundTripper(next)}
	return correlation.NewInstrumentedRoundTripper(tracing.NewRoundTripper(t))
}

func (rt *transport) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()

	request.Close = true
	request.Header.Set("User-Agent", defaultUserAgent)

	start := time.Now()

	response, err := rt.next.RoundTrip(request)

	fields := log.Fields{
		"method":      request.Method,
		"url":         request.URL.String(),
		"duration_ms": time.Since(start) / time.Millisecond,
	}
	logger := log.WithContextFields(ctx, fields)

	if err != nil {
		logger.WithError(err).Error("backend: RoundTrip: backend unreachable")
		return response, err
	}

	logger = logger.WithField("status", response.StatusCode)

	if response.StatusCode >= 400 {
		logger.Error("backend: RoundTrip: backend error")
		return response, nil
	}

	if response.ContentLength >= 0 {
		logger = logger.WithField("content_length_bytes", response.ContentLength)
	}

	logger.Info("backend: RoundTrip: finished HTTP request")

	return response, nil
}
