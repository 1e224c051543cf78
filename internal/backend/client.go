// Package backend forwards requests to the HTTP backend configured for
// commands flowtrace does not serve itself.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
	"gitlab.com/gitlab-org/flowtrace/internal/message"
)

const (
	commandsPath        = "/api/v1/commands"
	apiSecretHeaderName = "Flowtrace-Api-Request" // #nosec G101
	defaultUserAgent    = "flowtrace"
	jwtTTL              = time.Minute
	jwtIssuer           = "flowtrace"
)

// Client executes commands on the backend.
type Client struct {
	httpClient *httpClient
	secret     string
}

type commandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Payload string   `json:"payload"`
	Seq     uint64   `json:"seq"`
}

type commandResponse struct {
	Output string `json:"output"`
}

// New returns a Client for the backend described by cfg.
func New(cfg *config.BackendConfig, opts ...HTTPClientOpt) (*Client, error) {
	if cfg.RetryMax > 0 {
		opts = append([]HTTPClientOpt{WithRetryMax(cfg.RetryMax)}, opts...)
	}

	httpClient, err := newHTTPClient(cfg.URL, cfg.ReadTimeoutSeconds, opts)
	if err != nil {
		return nil, err
	}

	return &Client{httpClient: httpClient, secret: cfg.Secret}, nil
}

// Execute runs req on the backend and returns its output.
func (c *Client) Execute(ctx context.Context, req message.Request) ([]byte, error) {
	body := commandRequest{
		Command: req.Command,
		Args:    req.Args,
		Payload: string(req.Payload),
		Seq:     req.Seq,
	}

	resp, err := c.do(ctx, http.MethodPost, commandsPath, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	parsed := &commandResponse{}
	if err := json.NewDecoder(resp.Body).Decode(parsed); err != nil {
		return nil, &APIError{Msg: "parsing failed", StatusCode: resp.StatusCode}
	}

	return []byte(parsed.Output), nil
}

func (c *Client) do(ctx context.Context, method, path string, data any) (*http.Response, error) {
	request, err := newRequest(ctx, method, c.httpClient.host, path, data)
	if err != nil {
		return nil, err
	}

	claims := jwt.RegisteredClaims{
		Issuer:    jwtIssuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(jwtTTL)),
	}
	secretBytes := []byte(strings.TrimSpace(c.secret))
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretBytes)
	if err != nil {
		return nil, err
	}
	request.Header.Set(apiSecretHeaderName, tokenString)
	request.Header.Set("Content-Type", "application/json")

	response, respErr := c.httpClient.retryable.Do(request)
	if err := parseError(response, respErr); err != nil {
		return nil, err
	}

	return response, nil
}

func newRequest(ctx context.Context, method, host, path string, data any) (*retryablehttp.Request, error) {
	var jsonReader io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}

		jsonReader = bytes.NewReader(jsonData)
	}

	return retryablehttp.NewRequestWithContext(ctx, method, appendPath(host, path), jsonReader)
}
