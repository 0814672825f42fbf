package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/vortex-go/internal/model"
)

// handleExportLogs writes a log bundle and returns it as a download.
func (s *server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	path, err := s.opt.Orchestrator.ExportLogs()
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.writeErrorFromErr(w, apiError(http.StatusInternalServerError, model.AppError{
			Code:    "EXPORT_FAILED",
			Message: "读取导出的日志失败",
			Stage:   "export_logs",
		}, err))
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", contentDispositionAttachment(name))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, name, st.ModTime(), f)
}

func contentDispositionAttachment(filename string) string {
	// RFC 6266 + RFC 5987.
	escaped := strings.ReplaceAll(filename, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", escaped, pctEncode(filename))
}

// pctEncode is RFC 3986 percent-encoding with spaces as %20.
func pctEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
