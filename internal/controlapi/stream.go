package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/John-Robertt/vortex-go/internal/model"
)

// StreamTraffic reads the /traffic stream and calls fn for every sample until
// ctx ends, the engine closes the stream, or fn returns an error. A stream
// closed by the engine returns nil; a cancelled ctx returns ctx.Err().
func (c *Client) StreamTraffic(ctx context.Context, fn func(Traffic) error) error {
	return stream(ctx, c, "traffic", "/traffic", nil, fn)
}

// StreamLogs reads the /logs stream at the given level (debug, info,
// warning, error; empty means engine default).
func (c *Client) StreamLogs(ctx context.Context, level string, fn func(LogEntry) error) error {
	var q url.Values
	if level != "" {
		q = url.Values{"level": {level}}
	}
	return stream(ctx, c, "logs", "/logs", q, fn)
}

func stream[T any](ctx context.Context, c *Client, op, path string, q url.Values, fn func(T) error) error {
	resp, err := c.send(ctx, request{op: op, method: http.MethodGet, path: path, query: q})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, path, resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var v T
		if err := dec.Decode(&v); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			var se *json.SyntaxError
			if errors.As(err, &se) {
				return &Error{
					Op: op,
					AppError: model.AppError{
						Code:    "CONTROL_API_DECODE_ERROR",
						Message: "控制接口数据流无法解析",
						Stage:   stage,
						URL:     c.base.String() + path,
						Hint:    "offset " + strconv.FormatInt(se.Offset, 10),
					},
					Cause: err,
				}
			}
			return &Error{
				Op:          op,
				Unreachable: true,
				AppError: model.AppError{
					Code:    "CONTROL_API_UNREACHABLE",
					Message: "引擎控制接口数据流中断",
					Stage:   stage,
					URL:     c.base.String() + path,
				},
				Cause: err,
			}
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}
