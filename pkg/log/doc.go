/*
Package log provides structured logging for Flotilla using zerolog.

A single global zerolog.Logger is configured once by Init from the CLI flags
or the config file. Packages derive child loggers carrying the fields that
identify what they are working on:

	log.WithComponent("mirror")          component=mirror
	log.WithTaskID("arn:...:task/abc")   task_id=...
	log.WithTaskset("core")              component=orchestrator taskset=core
	log.WithUnit("20180501", "eu-1a")    component=batch unit=... zone=...

Most call sites log directly on the global logger in the style

	log.Logger.Info().
		Str("component", "orchestrator").
		Str("task", name).
		Int("launched", n).
		Msg("task launched")

Console output is used by default; JSON output is selected with
Config.JSONOutput for log shipping. Tests call Nop to silence logging.
*/
package log
