package transport

import "log/slog"

// linkLogger tags log lines with the link kind so serial, tcp and ble
// traffic can be told apart in one stream.
func linkLogger(link string, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "link", link)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
