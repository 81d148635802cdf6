// Package provider talks to the external video hosting API: resumable
// uploads over the tus protocol and transcode status lookups.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/coursehub/backend/internal/errors"
)

const (
	DefaultBaseURL = "https://api.vimeo.com"
	defaultTimeout = 30 * time.Second

	acceptHeader = "application/vnd.vimeo.*+json;version=3.4"
	tusVersion   = "1.0.0"

	statusFields = "uri,link,player_embed_url,duration,upload.status,transcode.status"
)

// TranscodeState is the provider's view of an asset's transcode.
type TranscodeState string

const (
	TranscodeInProgress TranscodeState = "in_progress"
	TranscodeComplete   TranscodeState = "complete"
	TranscodeFailed     TranscodeState = "error"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	AccessToken string

	// HTTPClient carries upload bodies, so it should not set a total
	// timeout. Defaults to a client without one.
	HTTPClient *http.Client

	// Timeout bounds every request except the upload transfer itself.
	Timeout time.Duration
}

// Client provides access to the hosting provider API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new provider client
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.AccessToken,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

// UploadResult identifies an asset whose bytes the provider has accepted.
type UploadResult struct {
	ExternalAssetID string `json:"externalAssetId"`
	AssetURL        string `json:"assetUrl"`
	EmbedURL        string `json:"embedUrl"`
}

// TranscodeStatus is the result of a status lookup.
type TranscodeStatus struct {
	State       TranscodeState
	EmbedURL    string
	PlaybackURL string
	Duration    int
}

// apiVideo is the raw video representation returned by the API
type apiVideo struct {
	URI            string `json:"uri"`
	Link           string `json:"link"`
	PlayerEmbedURL string `json:"player_embed_url"`
	Duration       int    `json:"duration"`
	Upload         struct {
		Status     string `json:"status"`
		UploadLink string `json:"upload_link"`
	} `json:"upload"`
	Transcode struct {
		Status string `json:"status"`
	} `json:"transcode"`
}

func (v *apiVideo) assetID() string {
	if v.URI == "" {
		return ""
	}
	return path.Base(v.URI)
}

type apiError struct {
	Error            string `json:"error"`
	DeveloperMessage string `json:"developer_message"`
}

type createRequest struct {
	Upload struct {
		Approach string `json:"approach"`
		Size     string `json:"size"`
	} `json:"upload"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SubmitUpload creates an upload session, transfers r in a single PATCH from
// offset 0 and confirms the provider finished ingesting it. Any failure
// aborts the attempt; a retry must supply the stream again from byte 0.
func (c *Client) SubmitUpload(ctx context.Context, r io.Reader, size int64, title, description string) (*UploadResult, error) {
	if size <= 0 {
		return nil, apperrors.ValidationError("upload size must be positive")
	}

	session, err := c.createSession(ctx, size, title, description)
	if err != nil {
		return nil, err
	}

	if err := c.transfer(ctx, session.Upload.UploadLink, r, size); err != nil {
		return nil, err
	}

	video, err := c.getVideo(ctx, session.assetID())
	if err != nil {
		return nil, err
	}
	if video.Upload.Status != "complete" {
		return nil, apperrors.TransientNetwork(fmt.Sprintf("provider reports upload status %q", video.Upload.Status))
	}
	if video.PlayerEmbedURL == "" {
		return nil, apperrors.TransientNetwork("provider returned no embed URL")
	}

	return &UploadResult{
		ExternalAssetID: video.assetID(),
		AssetURL:        video.Link,
		EmbedURL:        video.PlayerEmbedURL,
	}, nil
}

func (c *Client) createSession(ctx context.Context, size int64, title, description string) (*apiVideo, error) {
	var body createRequest
	body.Upload.Approach = "tus"
	body.Upload.Size = strconv.FormatInt(size, 10)
	body.Name = title
	body.Description = description

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload request: %w", err)
	}

	var session apiVideo
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/me/videos", payload, &session); err != nil {
		return nil, err
	}
	if session.Upload.UploadLink == "" || session.assetID() == "" {
		return nil, apperrors.TransientNetwork("provider returned an incomplete upload session")
	}
	return &session, nil
}

// transfer streams the whole body to the tus upload link.
func (c *Client) transfer(ctx context.Context, uploadLink string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadLink, r)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", "0")
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, "upload transfer", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("upload transfer", resp.StatusCode, nil)
	}

	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset != size {
		return apperrors.TransientNetwork(fmt.Sprintf("upload incomplete: provider has %s of %d bytes",
			resp.Header.Get("Upload-Offset"), size))
	}
	return nil
}

// UploadOffset asks the upload link how many bytes the provider holds.
func (c *Client) UploadOffset(ctx context.Context, uploadLink string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadLink, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, transportError(ctx, "upload offset", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, statusError("upload offset", resp.StatusCode, nil)
	}

	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, apperrors.TransientNetwork("provider returned no upload offset")
	}
	return offset, nil
}

// TranscodeStatus reports the provider's transcode state for an asset.
func (c *Client) TranscodeStatus(ctx context.Context, assetID string) (*TranscodeStatus, error) {
	video, err := c.getVideo(ctx, assetID)
	if err != nil {
		return nil, err
	}

	st := &TranscodeStatus{
		EmbedURL:    video.PlayerEmbedURL,
		PlaybackURL: video.Link,
		Duration:    video.Duration,
	}
	switch video.Transcode.Status {
	case "complete":
		st.State = TranscodeComplete
	case "error":
		st.State = TranscodeFailed
	default:
		st.State = TranscodeInProgress
	}
	return st, nil
}

func (c *Client) getVideo(ctx context.Context, assetID string) (*apiVideo, error) {
	if assetID == "" {
		return nil, apperrors.ValidationError("asset id is required")
	}
	endpoint := fmt.Sprintf("%s/videos/%s?fields=%s", c.baseURL, assetID, statusFields)

	var video apiVideo
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &video); err != nil {
		return nil, err
	}
	return &video, nil
}

// doJSON performs an authenticated API call and decodes the response.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", acceptHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, method+" "+path.Base(req.URL.Path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(ctx, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method+" "+req.URL.Path, resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.TransientNetwork("provider returned malformed JSON").WithCause(err)
	}
	return nil
}

// transportError classifies a failed round trip. Caller cancellation is
// passed through untouched.
func transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return apperrors.ExternalTimeout("provider").WithCause(err)
	}
	return apperrors.TransientNetwork(fmt.Sprintf("provider %s failed", op)).WithCause(err)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("provider %s returned %d", op, status)
	var ae apiError
	if len(body) > 0 && json.Unmarshal(body, &ae) == nil && ae.Error != "" {
		msg += ": " + ae.Error
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ProviderUnauthorized(msg)
	case status == http.StatusNotFound:
		return apperrors.NotFound("provider asset").WithDetails(map[string]any{"reason": msg})
	case apperrors.HTTPRetryableStatus(status):
		return apperrors.TransientNetwork(msg)
	case status >= 500:
		return apperrors.TransientNetwork(msg)
	default:
		return apperrors.ValidationError(msg)
	}
}
