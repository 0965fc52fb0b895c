// Package logging builds the slog loggers used across mockproxy.
//
// The proxy, the forwarder and the admin API take a *slog.Logger through an
// option and fall back to Nop when none is given.
//
//	logger := logging.New(logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON})
//	logger.Info("proxy started", "addr", "127.0.0.1:8000")
//
// Open additionally tees into a size-rotated file:
//
//	logger, closeLog := logging.Open(logging.Config{Output: os.Stderr, File: "/var/log/mockproxy.log"})
//	defer closeLog()
package logging
