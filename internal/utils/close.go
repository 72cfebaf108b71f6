package utils

import (
	"io"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
)

// Close closes c and ignores any error.
// Use for best-effort cleanup in defer where error handling is not critical.
func Close(c io.Closer) {
	_ = c.Close()
}

// CloseLogged closes c and logs a failure under name.
func CloseLogged(c io.Closer, name string, log logger.Logger) {
	if err := c.Close(); err != nil {
		log.Warn("failed to close", logger.String("resource", name), logger.Error(err))
	}
}

// CloserFunc adapts a func() to io.Closer.
type CloserFunc func()

func (f CloserFunc) Close() error {
	f()
	return nil
}
