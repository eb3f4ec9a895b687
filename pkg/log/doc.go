/*
Package log provides structured logging for Spark using zerolog.

A single global Logger is configured once through Init, normally from the
command line (--verbose switches the level to debug). Components derive child
loggers that carry context fields:

	logger := log.WithComponent("engine")
	logger.Info().Int("capacity", 4).Msg("Engine started")

	wlog := log.WithWorker("worker-0")
	wlog.Debug().Str("job_id", id).Msg("Job finished")

Console output is the default; JSONOutput selects one JSON object per line,
which is what the systemd journal collector expects.

Until Init is called the Logger writes JSON to stderr at info level, so
packages used from tests log without any setup.
*/
package log
