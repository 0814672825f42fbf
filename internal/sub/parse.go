// Package sub turns raw subscription text into nodes.
//
// Formats are sniffed in order: declarative-config YAML (a top-level
// "proxies" list), JSON (an array of servers or SIP008), a Base64-encoded
// URI list, and a raw newline-delimited URI list. The first interpretation
// that yields a structurally valid document wins. Each entry is decoded
// independently; a malformed entry is reported in Result.Skipped and never
// fails the whole document.
package sub

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub/codec"
	"github.com/John-Robertt/vortex-go/internal/sub/link"
	"github.com/John-Robertt/vortex-go/internal/sub/ss"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatYAML    Format = "yaml"
	FormatJSON    Format = "json"
	FormatBase64  Format = "base64"
	FormatURIList Format = "uri-list"
)

// Skipped describes one entry that could not be decoded.
type Skipped struct {
	Line    int
	Code    string
	Message string
	Snippet string
}

type Result struct {
	Format  Format
	Nodes   []model.Node
	Skipped []Skipped
}

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ErrNoNodes is the cause of the ParseError returned by Result.Err.
var ErrNoNodes = errors.New("no usable nodes")

// Err returns a *ParseError when no node survived parsing, nil otherwise.
func (r Result) Err(sourceURL string) error {
	if len(r.Nodes) > 0 {
		return nil
	}
	msg := "订阅中没有任何可用节点"
	hint := ""
	if r.Format == FormatUnknown {
		msg = "无法识别的订阅格式"
		hint = "expected: clash yaml / json / base64 uri list / uri list"
	} else if len(r.Skipped) > 0 {
		hint = fmt.Sprintf("skipped %d malformed entries", len(r.Skipped))
	}
	return &ParseError{
		AppError: model.AppError{
			Code:    "SUB_PARSE_ERROR",
			Message: msg,
			Stage:   "parse_sub",
			URL:     sourceURL,
			Hint:    hint,
		},
		Cause: ErrNoNodes,
	}
}

// Parse never fails: unrecognized content gives an empty Result with
// FormatUnknown.
func Parse(sourceURL string, content string) Result {
	s := strings.TrimSpace(codec.StripBOM(content))
	if s == "" {
		return Result{}
	}

	if res, ok := parseYAML(sourceURL, s); ok {
		return finish(res)
	}
	if res, ok := parseJSON(sourceURL, s); ok {
		return finish(res)
	}
	if codec.LooksBase64(s) {
		if b, err := codec.DecodeBase64Blob(s); err == nil && utf8.Valid(b) {
			decoded := strings.TrimSpace(codec.StripBOM(string(b)))
			if res, ok := parseURIList(sourceURL, decoded); ok {
				res.Format = FormatBase64
				return finish(res)
			}
		}
	}
	if res, ok := parseURIList(sourceURL, s); ok {
		return finish(res)
	}
	return Result{}
}

// finish fills derived fields: fallback names, ids, tags and multiplier.
func finish(r Result) Result {
	for i := range r.Nodes {
		n := &r.Nodes[i]
		if n.Name == "" {
			n.Name = fmt.Sprintf("%s %s:%d", n.Kind, n.Server, n.Port)
		}
		n.ID = model.NodeID(n.Kind, n.Server, n.Port)
		n.Tags, n.Multiplier = ExtractTags(n.Name)
	}
	return r
}

// parseURIList handles one share link per line. It reports ok only when at
// least one line carries a known scheme.
func parseURIList(sourceURL, s string) (Result, bool) {
	res := Result{Format: FormatURIList}
	recognized := false
	// Split on \n and trim trailing \r to be CRLF-compatible.
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		scheme := link.Scheme(line)
		switch {
		case scheme == "ss":
			recognized = true
			n, err := ss.ParseURI(sourceURL, i+1, line)
			if err != nil {
				res.skip(err, i+1, line)
				continue
			}
			res.Nodes = append(res.Nodes, n)
		case link.Supported(scheme):
			recognized = true
			n, err := link.Parse(sourceURL, i+1, line)
			if err != nil {
				res.skip(err, i+1, line)
				continue
			}
			res.Nodes = append(res.Nodes, n)
		default:
			res.Skipped = append(res.Skipped, Skipped{
				Line:    i + 1,
				Code:    "SUB_UNSUPPORTED_SCHEME",
				Message: "不支持的链接协议",
				Snippet: codec.Snippet(line, 200),
			})
		}
	}
	return res, recognized
}

func (r *Result) skip(err error, lineNo int, raw string) {
	sk := Skipped{Line: lineNo, Code: "SUB_PARSE_ERROR", Message: err.Error(), Snippet: codec.Snippet(raw, 200)}
	var ssErr *ss.ParseError
	var linkErr *link.ParseError
	switch {
	case errors.As(err, &ssErr):
		sk.Code, sk.Message = ssErr.AppError.Code, ssErr.AppError.Message
	case errors.As(err, &linkErr):
		sk.Code, sk.Message = linkErr.AppError.Code, linkErr.AppError.Message
	}
	r.Skipped = append(r.Skipped, sk)
}
