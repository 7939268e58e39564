// Package logging provides structured logging configuration for
// gridlink.
//
// Everything is built on log/slog. The package adds the small amount of
// glue the rest of the codebase needs:
//
//   - New and NewLeveled build loggers from a Config; NewLeveled also
//     returns the LevelVar so configuration reload can raise or lower
//     verbosity at runtime.
//   - ParseLevel and ParseFormat turn the strings found in config files
//     and flags into typed values, defaulting rather than erroring on
//     unknown input.
//   - MultiHandler fans records out to several handlers, for running a
//     console log next to a file or remote sink.
//   - LokiHandler ships batched records to a Loki push endpoint.
//   - Nop returns a logger that discards everything, for tests and for
//     components that make logging optional.
//
// Typical setup in a server process:
//
//	logger, level := logging.NewLeveled(logging.Config{
//	    Level:  logging.ParseLevel(cfg.Log.Level),
//	    Format: logging.ParseFormat(cfg.Log.Format),
//	})
//	slog.SetDefault(logger)
//
// Components should accept a *slog.Logger in their Config struct and
// default to slog.Default() when it is nil.
package logging
