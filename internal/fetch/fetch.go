package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/vortex-go/internal/model"
)

const stage = "fetch_sub"

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBytes     = 5 * 1024 * 1024
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "clash.meta"
)

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default 5 MiB
	MaxRedirects int           // default 5
	UserAgent    string        // default "clash.meta"

	// Flag selects the declarative-format variant on provider panels
	// (e.g. "clash", "meta"). It is added as the "flag" query parameter
	// unless the URL already carries one.
	Flag string

	Client *http.Client // optional; Transport is reused, redirects are still capped
}

// UserInfo is the provider quota advertised in the subscription-userinfo
// response header.
type UserInfo struct {
	Upload   int64
	Download int64
	Total    int64
	Expire   time.Time
}

type Result struct {
	Text     string
	URL      string // the URL actually requested, including Flag
	UserInfo *UserInfo
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// FetchSubscription downloads a subscription body. The returned error is
// always a *FetchError.
func FetchSubscription(ctx context.Context, rawURL string, opt Options) (*Result, error) {
	timeout := opt.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opt.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = DefaultMaxRedirects
	}
	maxBytes := opt.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	ua := opt.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	// Never echo the raw URL back: provider tokens usually live in the query.
	safeURL := redact(rawURL)
	if maxBytes <= 0 {
		return nil, &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "响应大小上限必须大于 0",
				Stage:   stage,
				URL:     safeURL,
			},
		}
	}

	reqURL, err := withFlag(rawURL, opt.Flag)
	if err != nil {
		return nil, &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "仅允许 http/https URL",
				Stage:   stage,
				URL:     safeURL,
			},
			Cause: errors.Join(errInvalidURLOrScheme, err),
		}
	}

	transport := http.DefaultTransport
	if opt.Client != nil && opt.Client.Transport != nil {
		transport = opt.Client.Transport
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 1st redirect => len(via)==1, 5th redirect => len(via)==5.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "请求 URL 不合法",
				Stage:   stage,
				URL:     safeURL,
			},
			Cause: err,
		}
	}
	req.Header.Set("User-Agent", ua)

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, classifyTransportError(err, safeURL, maxRedirects)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode),
				Stage:   stage,
				URL:     safeURL,
			},
		}
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, timeoutError(safeURL, err)
		}
		return nil, &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "读取上游响应失败",
				Stage:   stage,
				URL:     safeURL,
			},
			Cause: err,
		}
	}
	if int64(len(body)) > maxBytes {
		return nil, &FetchError{
			Status: http.StatusUnprocessableEntity,
			AppError: model.AppError{
				Code:    "TOO_LARGE",
				Message: fmt.Sprintf("远程资源过大（>%d bytes）", maxBytes),
				Stage:   stage,
				URL:     safeURL,
			},
		}
	}
	if !utf8.Valid(body) {
		return nil, &FetchError{
			Status: http.StatusUnprocessableEntity,
			AppError: model.AppError{
				Code:    "FETCH_INVALID_UTF8",
				Message: "远程资源不是合法 UTF-8 文本",
				Stage:   stage,
				URL:     safeURL,
			},
		}
	}

	return &Result{
		Text:     string(body),
		URL:      reqURL,
		UserInfo: ParseUserInfo(resp.Header.Get("Subscription-Userinfo")),
	}, nil
}

func classifyTransportError(err error, safeURL string, maxRedirects int) error {
	if errors.Is(err, errTooManyRedirects) {
		return &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects),
				Stage:   stage,
				URL:     safeURL,
			},
			Cause: err,
		}
	}
	if errors.Is(err, errRedirectBadScheme) {
		return &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "重定向目标仅允许 http/https",
				Stage:   stage,
				URL:     safeURL,
			},
			Cause: err,
		}
	}
	if isTimeout(err) {
		return timeoutError(safeURL, err)
	}
	return &FetchError{
		Status: http.StatusBadGateway,
		AppError: model.AppError{
			Code:    "FETCH_FAILED",
			Message: "拉取订阅失败",
			Stage:   stage,
			URL:     safeURL,
		},
		Cause: err,
	}
}

func isTimeout(err error) bool {
	// Go may wrap errors (e.g. *url.Error).
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func timeoutError(safeURL string, err error) error {
	return &FetchError{
		Status: http.StatusGatewayTimeout,
		AppError: model.AppError{
			Code:    "FETCH_TIMEOUT",
			Message: "拉取订阅超时",
			Stage:   stage,
			URL:     safeURL,
		},
		Cause: err,
	}
}

func withFlag(rawURL, flag string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("scheme must be http/https")
	}
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return u.String(), nil
	}
	q := u.Query()
	if q.Get("flag") == "" {
		q.Set("flag", flag)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u == nil {
		return ""
	}
	u.RawQuery = ""
	u.User = nil
	u.Fragment = ""
	return u.String()
}

// ParseUserInfo parses "upload=1; download=2; total=3; expire=1700000000".
// It returns nil when the header is absent or carries nothing usable.
func ParseUserInfo(header string) *UserInfo {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	var info UserInfo
	found := false
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "upload":
			info.Upload = n
		case "download":
			info.Download = n
		case "total":
			info.Total = n
		case "expire":
			if n > 0 {
				info.Expire = time.Unix(n, 0).UTC()
			}
		default:
			continue
		}
		found = true
	}
	if !found {
		return nil
	}
	return &info
}
