// Package provider implements the EnrollmentProvider port against the
// enrollment provider's REST API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EnrollmentProvider = (*Client)(nil)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Options tunes the provider transport.
type Options struct {
	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration
	// RequestsPerSecond caps outbound requests across all workers. Zero disables limiting.
	RequestsPerSecond float64
	// HTTPRetries is the number of in-call retries on connection errors and
	// 429/502/503/504 responses. Zero disables them.
	HTTPRetries int
	// HTTPCache enables ETag-based conditional request caching.
	HTTPCache bool
}

// Client implements the driven.EnrollmentProvider port.
type Client struct {
	http         *retryablehttp.Client
	baseURL      string
	clientID     string
	clientSecret string
	limiter      *rate.Limiter
}

// NewClient creates a provider client with the following transport stack:
//  1. go-cleanhttp pooled transport (no shared global state)
//  2. httpcache, when opts.HTTPCache is set
//  3. go-retryablehttp (bounded retry of connection-level failures)
//  4. x/time/rate limiter shared by every call on this client
func NewClient(baseURL, clientID, clientSecret string, opts Options, logger *slog.Logger) *Client {
	var transport http.RoundTripper = cleanhttp.DefaultPooledTransport()
	if opts.HTTPCache {
		cacheTransport := httpcache.NewMemoryCacheTransport()
		cacheTransport.Transport = transport
		transport = cacheTransport
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return newClient(&http.Client{Transport: transport, Timeout: timeout}, baseURL, clientID, clientSecret, opts, logger)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client. This
// constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, clientID, clientSecret string, opts Options) *Client {
	return newClient(httpClient, baseURL, clientID, clientSecret, opts, nil)
}

func newClient(httpClient *http.Client, baseURL, clientID, clientSecret string, opts Options, logger *slog.Logger) *Client {
	rc := &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     opts.HTTPRetries,
		CheckRetry:   retryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	if logger != nil {
		rc.Logger = logger
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Client{
		http:         rc,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		limiter:      rate.NewLimiter(limit, 1),
	}
}

// retryPolicy retries transport failures and explicit back-pressure responses.
// Every other status is returned to the caller for classification.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   flexInt64 `json:"expires_in"`
}

// AcquireToken performs the client-credentials grant against {base}/oauth/token.
func (c *Client) AcquireToken(ctx context.Context, transcript io.Writer) (string, time.Duration, error) {
	payload, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
	})
	if err != nil {
		return "", 0, &driven.TokenError{Message: "encode request", Err: err}
	}

	url := c.baseURL + "/oauth/token"
	fmt.Fprintf(transcript, "Access token request: POST %s\n", url)

	status, body, err := c.do(ctx, http.MethodPost, url, "", payload)
	if err != nil {
		fmt.Fprintf(transcript, "Error while requesting access token: %v\n", err)
		return "", 0, &driven.TokenError{Message: err.Error(), Err: err}
	}
	writeExchange(transcript, "Access token response", status, body)

	if status < 200 || status > 299 {
		return "", 0, &driven.TokenError{StatusCode: status, Message: summarize(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, &driven.TokenError{StatusCode: status, Message: "malformed token response", Err: err}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return "", 0, &driven.TokenError{StatusCode: status, Message: "token response missing access_token or expires_in"}
	}

	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

type enrollmentResponse struct {
	Data *struct {
		State     string `json:"estado_matricula"`
		Email     string `json:"email"`
		Username  string `json:"usuario"`
		Password  string `json:"password"`
		FirstName string `json:"nombre"`
		LastName  string `json:"apellidos"`
	} `json:"data"`
}

// FetchStatus looks up an enrollment at {base}/matriculas/{id}.
func (c *Client) FetchStatus(ctx context.Context, enrollmentID int64, token string, transcript io.Writer) (*model.EnrollmentStatus, error) {
	url := c.baseURL + "/matriculas/" + strconv.FormatInt(enrollmentID, 10)
	fmt.Fprintf(transcript, "Tuition request: GET %s\n", url)

	status, body, err := c.do(ctx, http.MethodGet, url, token, nil)
	if err != nil {
		fmt.Fprintf(transcript, "Error while requesting tuition data: %v\n", err)
		return nil, &driven.StatusError{Kind: driven.StatusTransient, Message: err.Error(), Err: err}
	}
	writeExchange(transcript, "Tuition response", status, body)

	switch {
	case status == http.StatusNotFound:
		return nil, &driven.StatusError{Kind: driven.StatusNotFound, StatusCode: status, Message: summarize(body)}
	case status == http.StatusUnauthorized:
		return nil, &driven.StatusError{Kind: driven.StatusUnauthorized, StatusCode: status, Message: summarize(body)}
	case status < 200 || status > 299:
		return nil, &driven.StatusError{Kind: driven.StatusTransient, StatusCode: status, Message: summarize(body)}
	}

	var er enrollmentResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, &driven.StatusError{Kind: driven.StatusTransient, StatusCode: status, Message: "malformed enrollment response", Err: err}
	}
	if er.Data == nil || er.Data.State == "" {
		return nil, &driven.StatusError{Kind: driven.StatusTransient, StatusCode: status, Message: "enrollment response missing data.estado_matricula"}
	}

	return &model.EnrollmentStatus{
		State:     model.StateFromProvider(er.Data.State),
		RawState:  er.Data.State,
		Email:     er.Data.Email,
		Username:  er.Data.Username,
		Password:  er.Data.Password,
		FirstName: er.Data.FirstName,
		LastName:  er.Data.LastName,
	}, nil
}

// do waits for the rate limiter, sends one request and reads the body.
func (c *Client) do(ctx context.Context, method, url, token string, payload []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	var body any
	if payload != nil {
		body = payload
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	return resp.StatusCode, data, nil
}

// writeExchange records a response in the attempt transcript, pretty-printing
// JSON bodies and writing anything else verbatim.
func writeExchange(w io.Writer, label string, status int, body []byte) {
	fmt.Fprintf(w, "%s: [%d]\n", label, status)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "    "); err == nil {
		pretty.WriteByte('\n')
		_, _ = w.Write(pretty.Bytes())
		return
	}

	_, _ = w.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = io.WriteString(w, "\n")
	}
}

// summarize returns a short single-line excerpt of a body for error messages.
func summarize(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// flexInt64 accepts a JSON number or a numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*f = flexInt64(n)
	return nil
}
