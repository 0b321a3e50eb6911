package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGraylogHandler returns a handler that ships JSON records to a Graylog
// GELF UDP input at address. The returned closer releases the socket.
func NewGraylogHandler(address string, opts *slog.HandlerOptions) (slog.Handler, io.Closer, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, nil, fmt.Errorf("graylog writer for %s: %w", address, err)
	}
	w.Facility = ServiceName
	return slog.NewJSONHandler(w, opts), w, nil
}
