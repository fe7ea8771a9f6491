// Package xapi wraps the external social-media API: credential
// verification, media upload, publishing and metrics reads.
//
// The API has two operation surfaces: the legacy one (verification and
// media upload) and the modern one (publish and reads). The client keeps
// a mode flag selecting the surface and always restores the default
// (modern) mode around legacy calls, error paths included.
//
// A Client is not safe for concurrent use; the publisher owns it and
// serializes access.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	logx "autopost/pkg/logx"
)

const (
	defaultLegacyURL = "https://api.twitter.com/1.1"
	defaultUploadURL = "https://upload.twitter.com/1.1"
	defaultModernURL = "https://api.twitter.com/2"

	// defaultMaxMediaBytes is the upload size cap (5 MiB).
	defaultMaxMediaBytes = 5_242_880

	// maxMediaIDs is the API's per-publish attachment limit.
	maxMediaIDs = 4

	requestTimeout = 30 * time.Second
)

// Credentials are the four opaque secrets the API requires. The client
// holds them for its own lifetime only and never logs them.
type Credentials struct {
	Key         string
	Secret      string
	Token       string
	TokenSecret string
}

func (c Credentials) complete() bool {
	return strings.TrimSpace(c.Key) != "" &&
		strings.TrimSpace(c.Secret) != "" &&
		strings.TrimSpace(c.Token) != "" &&
		strings.TrimSpace(c.TokenSecret) != ""
}

// Metrics are the public engagement counters of a published item.
type Metrics struct {
	Likes  int
	Shares int
}

type mode int

const (
	modeModern mode = iota // default surface
	modeLegacy
)

type Client struct {
	httpc *http.Client
	log   logx.Logger
	lim   *rate.Limiter

	legacyURL string
	uploadURL string
	modernURL string

	maxMediaBytes int64

	// mode is client-local mutable state; see package doc.
	mode mode
}

type Option func(*Client)

// WithEndpoints overrides the API base URLs (tests, proxies).
func WithEndpoints(legacy, upload, modern string) Option {
	return func(c *Client) {
		c.legacyURL = strings.TrimRight(legacy, "/")
		c.uploadURL = strings.TrimRight(upload, "/")
		c.modernURL = strings.TrimRight(modern, "/")
	}
}

// WithRateLimit bounds outbound publish/upload calls.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		if perSec > 0 && burst > 0 {
			c.lim = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
}

// WithMaxMediaBytes overrides the media size cap.
func WithMaxMediaBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxMediaBytes = n
		}
	}
}

// New builds a client and verifies the credentials immediately so bad
// configuration is caught at creation time, not on the first publish.
func New(ctx context.Context, creds Credentials, log logx.Logger, opts ...Option) (*Client, error) {
	if !creds.complete() {
		return nil, &ConfigError{Reason: "api credentials missing"}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Client{
		log:           log,
		legacyURL:     defaultLegacyURL,
		uploadURL:     defaultUploadURL,
		modernURL:     defaultModernURL,
		maxMediaBytes: defaultMaxMediaBytes,
	}
	for _, o := range opts {
		o(c)
	}

	// Bounded connect + total timeouts; calls never block indefinitely.
	base := &http.Client{
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: requestTimeout}).DialContext,
			TLSHandshakeTimeout: requestTimeout,
		},
	}
	oc := oauth1.NewConfig(creds.Key, creds.Secret)
	tok := oauth1.NewToken(creds.Token, creds.TokenSecret)
	httpc := oc.Client(context.WithValue(ctx, oauth1.HTTPClient, base), tok)
	httpc.Timeout = requestTimeout
	c.httpc = httpc

	if err := c.VerifyCredentials(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// inMode runs fn with the mode switched and restores the prior mode on
// every exit path.
func (c *Client) inMode(m mode, fn func() error) error {
	prev := c.mode
	c.mode = m
	defer func() { c.mode = prev }()
	return fn()
}

func (c *Client) baseURL() string {
	if c.mode == modeLegacy {
		return c.legacyURL
	}
	return c.modernURL
}

// Mode reports the active surface ("legacy" or "modern"). Used by tests
// and status output; the default is always restored after legacy calls.
func (c *Client) Mode() string {
	if c.mode == modeLegacy {
		return "legacy"
	}
	return "modern"
}

// apiEnvelope covers the response shapes we extract fields from. The
// "id" and "public_metrics" paths must match the API contract exactly.
type apiEnvelope struct {
	Data struct {
		ID            string `json:"id"`
		PublicMetrics *struct {
			LikeCount    int `json:"like_count"`
			RetweetCount int `json:"retweet_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	MediaIDString string `json:"media_id_string"`
	Errors        []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *apiEnvelope) firstError() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return ""
}

// VerifyCredentials issues the read-only "who am I" call on the legacy
// surface. The default mode is restored regardless of outcome.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	return c.inMode(modeLegacy, func() error {
		status, env, err := c.getJSON(ctx, c.baseURL()+"/account/verify_credentials.json")
		if err != nil {
			return &AuthError{Message: err.Error()}
		}
		if status != http.StatusOK {
			return &AuthError{HTTPStatus: status, Message: env.firstError()}
		}
		if msg := env.firstError(); msg != "" {
			return &AuthError{HTTPStatus: status, Message: msg}
		}
		return nil
	})
}

// UploadMedia pushes one image to the legacy upload surface and returns
// its media id. Failures are MediaErrors; callers degrade to text-only.
func (c *Client) UploadMedia(ctx context.Context, path string) (string, error) {
	var mediaID string
	err := c.inMode(modeLegacy, func() error {
		fi, err := os.Stat(path)
		if err != nil {
			return &MediaError{Reason: "not found", Err: err}
		}
		if fi.Size() > c.maxMediaBytes {
			return &MediaError{Reason: "too large"}
		}

		if err := c.wait(ctx); err != nil {
			return &MediaError{Reason: "upload failed", Err: err}
		}

		body, contentType, err := multipartFile(path)
		if err != nil {
			return &MediaError{Reason: "not found", Err: err}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/media/upload.json", body)
		if err != nil {
			return &MediaError{Reason: "upload failed", Err: err}
		}
		req.Header.Set("Content-Type", contentType)

		status, env, err := c.doJSON(req)
		if err != nil {
			return &MediaError{Reason: "upload failed", Err: err}
		}
		if status != http.StatusOK || env.MediaIDString == "" {
			return &MediaError{Reason: "upload failed"}
		}
		mediaID = env.MediaIDString
		return nil
	})
	if err != nil {
		return "", err
	}
	return mediaID, nil
}

// Publish posts text (plus up to four media ids) to the modern surface
// and returns the external id of the created item.
func (c *Client) Publish(ctx context.Context, text string, mediaIDs []string) (string, error) {
	if len(mediaIDs) > maxMediaIDs {
		return "", &PublishError{Message: fmt.Sprintf("too many media ids: %d", len(mediaIDs))}
	}
	if err := c.wait(ctx); err != nil {
		return "", &PublishError{Message: "rate wait", Err: err}
	}

	payload := map[string]any{"text": text}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]any{"media_ids": mediaIDs}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", &PublishError{Message: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modernURL+"/tweets", bytes.NewReader(b))
	if err != nil {
		return "", &PublishError{Message: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	status, env, err := c.doJSON(req)
	if err != nil {
		return "", &PublishError{Message: err.Error(), Err: err}
	}
	if status != http.StatusCreated {
		return "", &PublishError{HTTPStatus: status, Message: env.firstError()}
	}
	if env.Data.ID == "" {
		msg := env.firstError()
		if msg == "" {
			msg = "no id in response"
		}
		return "", &PublishError{HTTPStatus: status, Message: msg}
	}
	return env.Data.ID, nil
}

// FetchMetrics reads public engagement counters for a published item.
// Metrics are non-critical telemetry: any failure degrades to "absent".
func (c *Client) FetchMetrics(ctx context.Context, externalID string) (Metrics, bool) {
	url := c.modernURL + "/tweets/" + externalID + "?tweet.fields=public_metrics"
	status, env, err := c.getJSON(ctx, url)
	if err != nil || status != http.StatusOK || env.Data.PublicMetrics == nil {
		if err != nil {
			c.log.Debug("metrics fetch failed", logx.String("external_id", externalID), logx.Err(err))
		}
		return Metrics{}, false
	}
	pm := env.Data.PublicMetrics
	return Metrics{Likes: pm.LikeCount, Shares: pm.RetweetCount}, true
}

func (c *Client) wait(ctx context.Context) error {
	if c.lim == nil {
		return nil
	}
	return c.lim.Wait(ctx)
}

func (c *Client) getJSON(ctx context.Context, url string) (int, *apiEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, nil, err
	}
	return c.doJSON(req)
}

func (c *Client) doJSON(req *http.Request) (int, *apiEnvelope, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	// Tolerate non-JSON error bodies; status codes carry the outcome.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env)
	return resp.StatusCode, &env, nil
}

func multipartFile(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
