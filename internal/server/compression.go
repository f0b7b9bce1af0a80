// Package server holds the outer HTTP surface of the gateway: response
// compression and the optional HTTP/3 listener.
package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

type CompressionConfig struct {
	Enabled bool
	Level   int
	MinSize int
}

type compressWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	return cw.writer.Write(b)
}

// Compress negotiates brotli or gzip from Accept-Encoding. Brotli wins
// when the client offers both.
func Compress(cfg CompressionConfig, next http.Handler) http.Handler {
	if cfg.Level == 0 {
		cfg.Level = 6
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		accept := r.Header.Get("Accept-Encoding")
		var writer io.WriteCloser
		var encoding string
		if strings.Contains(accept, "br") {
			writer = brotli.NewWriterLevel(w, cfg.Level)
			encoding = "br"
		} else if strings.Contains(accept, "gzip") {
			writer, _ = gzip.NewWriterLevel(w, cfg.Level)
			encoding = "gzip"
		}

		if writer == nil {
			next.ServeHTTP(w, r)
			return
		}
		defer writer.Close()

		w.Header().Set("Content-Encoding", encoding)
		w.Header().Del("Content-Length")
		next.ServeHTTP(&compressWriter{ResponseWriter: w, writer: writer}, r)
	})
}
