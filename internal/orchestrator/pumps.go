package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/model"
)

// maxExportEngineLog caps how much of the engine log goes into an export.
const maxExportEngineLog = 1 << 20

// streamLoop keeps a control API stream open until ctx ends, reconnecting
// with exponential backoff.
func (o *Orchestrator) streamLoop(ctx context.Context, name string, open func(context.Context) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	for {
		began := time.Now()
		err := open(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(began) > 10*time.Second {
			b.Reset()
		}
		wait := b.NextBackOff()
		if err != nil {
			o.logger.Debug("stream closed", slog.String("stream", name), slog.String("err", err.Error()), slog.Duration("retry_in", wait))
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (o *Orchestrator) pumpTraffic(ctx context.Context) {
	o.streamLoop(ctx, "traffic", func(ctx context.Context) error {
		return o.d.Control.StreamTraffic(ctx, func(t controlapi.Traffic) error {
			o.mu.Lock()
			o.sess.UpSpeed = t.Up
			o.sess.DownSpeed = t.Down
			o.sess.UploadTotal += t.Up
			o.sess.DownloadTotal += t.Down
			ev := TrafficEvent{
				Up:            t.Up,
				Down:          t.Down,
				UploadTotal:   o.sess.UploadTotal,
				DownloadTotal: o.sess.DownloadTotal,
				At:            o.now(),
			}
			o.mu.Unlock()
			o.Traffic.Publish(ev)
			return nil
		})
	})
}

func (o *Orchestrator) pumpLogs(ctx context.Context) {
	o.streamLoop(ctx, "logs", func(ctx context.Context) error {
		return o.d.Control.StreamLogs(ctx, o.opt.EngineLogLevel, func(e controlapi.LogEntry) error {
			o.Logs.Publish(LogEvent{Source: "engine", Level: e.Type, Message: e.Payload, At: o.now()})
			return nil
		})
	})
}

// ExportLogs writes the tail of the engine log and recent orchestrator
// notes to vortex_logs_<unix>.txt under the work dir and returns its path.
func (o *Orchestrator) ExportLogs() (string, error) {
	o.mu.Lock()
	notes := append([]string(nil), o.notes...)
	state := o.sess.State
	now := o.now()
	o.mu.Unlock()

	dir := o.opt.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# vortex-go logs %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&buf, "state: %s\n\n", state)
	buf.WriteString("## engine\n")
	if err := tailFile(&buf, o.d.Engine.LogPath(), maxExportEngineLog); err != nil {
		fmt.Fprintf(&buf, "(engine log unavailable: %v)\n", err)
	}
	buf.WriteString("\n## orchestrator\n")
	for _, n := range notes {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}

	path := filepath.Join(dir, fmt.Sprintf("vortex_logs_%d.txt", now.Unix()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", exportError(path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", exportError(path, err)
	}
	o.logger.Info("logs exported", slog.String("path", path), slog.Int("bytes", buf.Len()))
	return path, nil
}

func exportError(path string, err error) error {
	return &Error{
		Op:       "export_logs",
		AppError: model.AppError{Code: "EXPORT_FAILED", Message: "导出日志失败", Stage: stage, URL: path},
		Cause:    err,
	}
}

func tailFile(w io.Writer, path string, max int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() > max {
		if _, err := f.Seek(st.Size()-max, io.SeekStart); err != nil {
			return err
		}
	}
	_, err = io.Copy(w, f)
	return err
}

// Connections lists the engine's open connections.
func (o *Orchestrator) Connections(ctx context.Context) (controlapi.Connections, error) {
	const op = "connections"
	if !o.d.Engine.Running() {
		return controlapi.Connections{}, wrapError(op, ErrInvalidState)
	}
	c, err := o.d.Control.Connections(ctx)
	if err != nil {
		return controlapi.Connections{}, wrapError(op, err)
	}
	return c, nil
}

func (o *Orchestrator) CloseConnection(ctx context.Context, id string) error {
	const op = "close_connection"
	if !o.d.Engine.Running() {
		return wrapError(op, ErrInvalidState)
	}
	if err := o.d.Control.CloseConnection(ctx, id); err != nil {
		return wrapError(op, err)
	}
	return nil
}
