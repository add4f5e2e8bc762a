package client

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to a pagelock server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func NewClient(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse server address")
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// error returned by the server
// unwraps to the matching sentinel in pkg/types when the code is known
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return types.ErrorFromCode(e.Code)
}

func (c *Client) Get(ctx context.Context, page string) (stdjson.RawMessage, error) {
	var content stdjson.RawMessage
	if err := c.do(ctx, http.MethodGet, pageURL(page), nil, &content); err != nil {
		return nil, errors.Wrapf(err, "get page %s", page)
	}
	return content, nil
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Pages []string `json:"pages"`
	}
	if err := c.do(ctx, http.MethodGet, "/pages", nil, &resp); err != nil {
		return nil, errors.Wrap(err, "list pages")
	}
	return resp.Pages, nil
}

func (c *Client) Put(ctx context.Context, page string, content []byte) error {
	if err := c.do(ctx, http.MethodPut, pageURL(page), content, nil); err != nil {
		return errors.Wrapf(err, "put page %s", page)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, page string) error {
	if err := c.do(ctx, http.MethodDelete, pageURL(page), nil, nil); err != nil {
		return errors.Wrapf(err, "delete page %s", page)
	}
	return nil
}

// state of the store lock as seen by the server
func (c *Client) LockStatus(ctx context.Context) (*types.Lock, error) {
	var lock types.Lock
	if err := c.do(ctx, http.MethodGet, "/lock", nil, &lock); err != nil {
		return nil, errors.Wrap(err, "lock status")
	}
	return &lock, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: types.CodeInternal, Message: strings.TrimSpace(string(b))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(b, &e) == nil && e.Code != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(b, out), "decode response")
}

// page "/blog/post" lives at /pages/blog/post
func pageURL(page string) string {
	segments := strings.Split(strings.TrimPrefix(page, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/pages/" + strings.Join(segments, "/")
}
