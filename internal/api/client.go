// Package api is the HTTP client for the backend endpoints the messenger consumes:
// conversation partners, message history and attachment upload.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spotter/messenger/internal/domain"
)

const (
	conversationsPath = "/api/messages/conversations"
	historyPath       = "/api/messages/%s"
	uploadPath        = "/api/messages/upload"
	defaultTimeout    = 30 * time.Second
)

// Client talks to the Spotter backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default().With("service", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationPartners lists the users the current user can message.
func (c *Client) ConversationPartners(ctx context.Context) ([]domain.Friend, error) {
	var friends []domain.Friend
	if err := c.getJSON(ctx, conversationsPath, &friends); err != nil {
		return nil, fmt.Errorf("list conversation partners: %w", err)
	}
	return friends, nil
}

// History returns the messages exchanged with friendID, in the order the server keeps them.
func (c *Client) History(ctx context.Context, friendID string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := c.getJSON(ctx, fmt.Sprintf(historyPath, url.PathEscape(friendID)), &msgs); err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", friendID, err)
	}
	return msgs, nil
}

// Upload stores an attachment and returns where it can be fetched from.
func (c *Client) Upload(ctx context.Context, filename, contentType string, content io.Reader) (domain.Upload, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filename)))
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, pr)
	if err != nil {
		pr.Close()
		return domain.Upload{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var up domain.Upload
	if err := c.do(req, &up); err != nil {
		pr.CloseWithError(err)
		return domain.Upload{}, fmt.Errorf("%w: %s: %v", domain.ErrUploadFailed, filename, err)
	}
	if up.Type == "" {
		up.Type = contentType
	}
	if err := domain.Validate(up); err != nil {
		return domain.Upload{}, fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
	}
	return up, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
