// Package api implements the upload collaborators over the streaming upload HTTP API
// of a video hosting service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/bitrise-io/go-mediaupload/secretkeys"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultBaseURL is the API root used when Config.BaseURL is empty.
const DefaultBaseURL = "https://api.vimeo.com"

const acceptHeader = "application/vnd.vimeo.*+json;version=3.4"

// Config holds the connection settings of a Client.
type Config struct {
	BaseURL     string
	AccessToken string
	// UserAgent is sent with every request when set.
	UserAgent string
	// ChunkSize is reported to the engine through ChunkSize(). Zero leaves the choice to the engine.
	ChunkSize int64
	// RetryWaitMax caps the wait between retries of ticket, completion and lookup calls.
	RetryWaitMax time.Duration
	// Secrets are masked in the request dumps, the access token always is.
	Secrets []string
}

// Client talks to the hosting service. It implements transfer.Service and transfer.ArtifactStore.
type Client struct {
	// apiClient retries ticket, completion and lookup calls on its own.
	apiClient *retryablehttp.Client
	// transferClient never retries, chunk and probe retries are owned by the transfer engine.
	transferClient *retryablehttp.Client
	config         Config
	logger         log.Logger
	redactor       secretkeys.Redactor
}

// NewClient creates a Client. Credentials are only taken from config.
func NewClient(config Config, logger log.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	apiClient := retryhttp.NewClient(logger)
	apiClient.CheckRetry = createCustomRetryFunction(logger)
	apiClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if config.RetryWaitMax > 0 {
		apiClient.RetryWaitMax = config.RetryWaitMax
	}

	transferClient := retryhttp.NewClient(logger)
	transferClient.RetryMax = 0
	transferClient.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	transferClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		apiClient:      apiClient,
		transferClient: transferClient,
		config:         config,
		logger:         logger,
		redactor:       secretkeys.NewRedactor(config.Secrets...).With(config.AccessToken),
	}
}

// ChunkSize implements transfer.ChunkSizer.
func (c *Client) ChunkSize() int64 {
	return c.config.ChunkSize
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", acceptHeader)
	if c.config.AccessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.config.AccessToken))
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, payload interface{}) (*retryablehttp.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// do sends a request and returns the response; transport failures are transient.
func (c *Client) do(client *retryablehttp.Client, req *retryablehttp.Request, op string) (*http.Response, error) {
	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.TDebugf("%s request dump: %s", op, c.redactor.Redact(string(dump)))

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, &transfer.TransientNetworkError{Op: op, Err: err}
	}

	c.logger.TDebugf("%s response: %s", op, resp.Status)

	return resp, nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	// drain so the connection can be reused
	if _, err := io.Copy(io.Discard, body); err != nil {
		c.logger.Debugf("drain response body: %s", err)
	}
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.config.BaseURL + path
}
