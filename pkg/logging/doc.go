// Package logging builds the structured loggers used across replayd.
//
// It wraps log/slog so every component logs the same way:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//	logger.Info("proxy listening", "port", 4280)
//
// Components take a *slog.Logger in their options and fall back to Nop when
// none is given.
package logging
