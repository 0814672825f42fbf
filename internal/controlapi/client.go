// Package controlapi is a typed client for the engine's local control API.
//
// Transport failures (refused, reset, no response before the per-call
// timeout) are reported as ErrUnreachable: the engine is down or still
// starting. A delay probe the engine answered with 408/503/504 is
// ErrNodeUnreachable: the engine is fine, the node is not.
package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/John-Robertt/vortex-go/internal/model"
)

const stage = "control_api"

var (
	ErrUnreachable     = errors.New("controlapi: engine unreachable")
	ErrNodeUnreachable = errors.New("controlapi: node unreachable")
)

type Error struct {
	Op     string
	Status int
	// Unreachable is set when no HTTP response was received.
	Unreachable bool
	AppError    model.AppError
	Cause       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s (%s)", e.AppError.Code, e.AppError.Message, e.Op)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.AppError.Code, e.AppError.Message, e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	return target == ErrUnreachable && e.Unreachable
}

// Observer receives one call per finished request. result is "ok",
// "unreachable" or the HTTP status code.
type Observer interface {
	ObserveControlAPI(op, result string, d time.Duration)
}

type Options struct {
	BaseURL string
	Secret  string
	// Timeout bounds each non-streaming request.
	Timeout time.Duration
	// Retries is the total number of attempts for idempotent calls.
	Retries       int
	RetryInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   Observer
}

type Client struct {
	base     *url.URL
	secret   string
	timeout  time.Duration
	retries  uint
	interval time.Duration
	hc       *http.Client
	logger   *slog.Logger
	observer Observer
}

func New(opt Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opt.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &Error{
			Op: "new",
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "控制接口地址不合法",
				Stage:   stage,
				URL:     opt.BaseURL,
			},
			Cause: err,
		}
	}
	c := &Client{
		base:     u,
		secret:   opt.Secret,
		timeout:  opt.Timeout,
		retries:  uint(opt.Retries),
		interval: opt.RetryInterval,
		hc:       opt.HTTPClient,
		logger:   opt.Logger,
		observer: opt.Observer,
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.retries == 0 {
		c.retries = 3
	}
	if c.interval <= 0 {
		c.interval = 200 * time.Millisecond
	}
	if c.hc == nil {
		// No client-wide timeout: streams stay open; calls use per-request contexts.
		c.hc = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.call(ctx, request{op: "version", method: http.MethodGet, path: "/version", out: &v, retry: true})
	return v, err
}

func (c *Client) Configs(ctx context.Context) (Configs, error) {
	var cfg Configs
	err := c.call(ctx, request{op: "configs", method: http.MethodGet, path: "/configs", out: &cfg, retry: true})
	return cfg, err
}

// ReloadConfig makes the engine load the config file at path.
func (c *Client) ReloadConfig(ctx context.Context, path string, force bool) error {
	r := request{op: "reload_config", method: http.MethodPut, path: "/configs", body: map[string]string{"path": path}, retry: true}
	if force {
		r.query = url.Values{"force": {"true"}}
	}
	return c.call(ctx, r)
}

func (c *Client) Proxies(ctx context.Context) (map[string]Proxy, error) {
	var resp proxiesResponse
	if err := c.call(ctx, request{op: "proxies", method: http.MethodGet, path: "/proxies", out: &resp, retry: true}); err != nil {
		return nil, err
	}
	return resp.Proxies, nil
}

func (c *Client) Proxy(ctx context.Context, name string) (Proxy, error) {
	var p Proxy
	err := c.call(ctx, request{op: "proxy", method: http.MethodGet, path: "/proxies/" + url.PathEscape(name), out: &p, retry: true})
	return p, err
}

// SelectProxy sets the current member of the select group selector.
func (c *Client) SelectProxy(ctx context.Context, selector, name string) error {
	return c.call(ctx, request{
		op:     "select_proxy",
		method: http.MethodPut,
		path:   "/proxies/" + url.PathEscape(selector),
		body:   map[string]string{"name": name},
		retry:  true,
	})
}

// Delay asks the engine to probe proxy name against testURL and returns the
// measured delay. It is not retried: the engine's answer is the result.
func (c *Client) Delay(ctx context.Context, name, testURL string, timeout time.Duration) (time.Duration, error) {
	var resp delayResponse
	err := c.call(ctx, request{
		op:     "delay",
		method: http.MethodGet,
		path:   "/proxies/" + url.PathEscape(name) + "/delay",
		query: url.Values{
			"url":     {testURL},
			"timeout": {strconv.FormatInt(timeout.Milliseconds(), 10)},
		},
		out: &resp,
		// The engine holds the request for up to timeout.
		timeout: timeout + c.timeout,
	})
	if err != nil {
		return 0, err
	}
	if resp.Delay <= 0 {
		return 0, &Error{
			Op: "delay",
			AppError: model.AppError{
				Code:    "NODE_UNREACHABLE",
				Message: "节点不可达",
				Stage:   stage,
				Hint:    name,
			},
			Cause: ErrNodeUnreachable,
		}
	}
	return time.Duration(resp.Delay) * time.Millisecond, nil
}

func (c *Client) Connections(ctx context.Context) (Connections, error) {
	var conns Connections
	err := c.call(ctx, request{op: "connections", method: http.MethodGet, path: "/connections", out: &conns, retry: true})
	return conns, err
}

func (c *Client) CloseAllConnections(ctx context.Context) error {
	return c.call(ctx, request{op: "close_connections", method: http.MethodDelete, path: "/connections", retry: true})
}

func (c *Client) CloseConnection(ctx context.Context, id string) error {
	return c.call(ctx, request{op: "close_connection", method: http.MethodDelete, path: "/connections/" + url.PathEscape(id), retry: true})
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	out    any
	// retry marks the call idempotent.
	retry   bool
	timeout time.Duration
}

func (c *Client) call(ctx context.Context, r request) error {
	tries := c.retries
	if !r.retry {
		tries = 1
	}
	if r.timeout <= 0 {
		r.timeout = c.timeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval
	b.MaxInterval = 8 * c.interval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.once(ctx, r)
		if err == nil {
			return struct{}{}, nil
		}
		if err.Unreachable || err.Status >= 500 {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("control api retry",
				slog.String("op", r.op),
				slog.Duration("next", next),
				slog.String("err", err.Error()),
			)
		}),
	)
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	// Context ended while waiting between attempts.
	return &Error{
		Op:          r.op,
		Unreachable: true,
		AppError: model.AppError{
			Code:    "CONTROL_API_UNREACHABLE",
			Message: "无法连接引擎控制接口",
			Stage:   stage,
			URL:     c.base.String() + r.path,
		},
		Cause: err,
	}
}

func (c *Client) once(ctx context.Context, r request) *Error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.send(ctx, r)
	if err != nil {
		if err.Unreachable {
			c.observe(r.op, "unreachable", start)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(r.op, strconv.Itoa(resp.StatusCode), start)
		return c.statusError(r.op, r.path, resp)
	}
	c.observe(r.op, "ok", start)
	if r.out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return &Error{
			Op:     r.op,
			Status: resp.StatusCode,
			AppError: model.AppError{
				Code:    "CONTROL_API_DECODE_ERROR",
				Message: "控制接口返回的数据无法解析",
				Stage:   stage,
				URL:     c.base.String() + r.path,
			},
			Cause: err,
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, r request) (*http.Response, *Error) {
	target := c.base.String() + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var rd io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, &Error{
				Op:       r.op,
				AppError: model.AppError{Code: "INVALID_ARGUMENT", Message: "请求体编码失败", Stage: stage},
				Cause:    err,
			}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, rd)
	if err != nil {
		return nil, &Error{
			Op:       r.op,
			AppError: model.AppError{Code: "INVALID_ARGUMENT", Message: "请求构造失败", Stage: stage, URL: target},
			Cause:    err,
		}
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &Error{
			Op:          r.op,
			Unreachable: true,
			AppError: model.AppError{
				Code:    "CONTROL_API_UNREACHABLE",
				Message: "无法连接引擎控制接口",
				Stage:   stage,
				URL:     c.base.String() + r.path,
			},
			Cause: err,
		}
	}
	return resp, nil
}

func (c *Client) statusError(op, path string, resp *http.Response) error {
	var msg apiMessage
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(raw, &msg) != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(raw))
	}
	if len(msg.Message) > 200 {
		msg.Message = msg.Message[:200]
	}

	e := &Error{
		Op:     op,
		Status: resp.StatusCode,
		AppError: model.AppError{
			Code:    "CONTROL_API_ERROR",
			Message: "引擎控制接口返回错误",
			Stage:   stage,
			URL:     c.base.String() + path,
			Snippet: msg.Message,
		},
		Cause: fmt.Errorf("http %d", resp.StatusCode),
	}
	switch {
	case op == "delay" && (resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout):
		e.AppError.Code = "NODE_UNREACHABLE"
		e.AppError.Message = "节点不可达"
		e.Cause = ErrNodeUnreachable
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.AppError.Code = "CONTROL_API_UNAUTHORIZED"
		e.AppError.Message = "控制接口密钥错误"
	case resp.StatusCode == http.StatusNotFound:
		e.AppError.Code = "CONTROL_API_NOT_FOUND"
		e.AppError.Message = "控制接口中不存在该对象"
	case resp.StatusCode == http.StatusBadRequest:
		e.AppError.Code = "CONTROL_API_BAD_REQUEST"
		e.AppError.Message = "控制接口拒绝了请求"
	}
	return e
}

func (c *Client) observe(op, result string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveControlAPI(op, result, time.Since(start))
	}
}
