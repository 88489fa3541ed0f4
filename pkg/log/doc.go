/*
Package log provides structured logging for the agent using zerolog.

The package wraps zerolog to give every component (Coordinator, Clustering
Model, Lifecycle Executor, watchers, Control Surface) a JSON or console
logger carrying consistent context fields (pod id, namespace/cluster,
component name) without passing a logger instance through every call.

# Usage

Initializing the logger, once, in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
		Tail:       log.NewTail(500),
	})

Simple logging:

	log.Info("coordinator connected")
	log.Error("rollout aborted")
	log.Errorf("sanity check failed", err) // err is attached as a field

Component- and pod-scoped child loggers:

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Str("pod", uuid).Msg("registered")

	podLog := log.WithPod(uuid)
	podLog.Warn().Msg("health credit exhausted")

	clusterLog := log.WithCluster(namespace, cluster)
	clusterLog.Info().Int("size", len(pods)).Msg("rollout started")

The optional Tail writer feeds the Control Surface's /log endpoint: every
log line is mirrored into a bounded ring buffer so an operator can retrieve
recent history over HTTP without a log-rotation or log-shipping dependency.

Log content should never include a callback's full shell command line or
environment overrides verbatim when they might carry operator-supplied
secrets; log the command name and a field count instead.
*/
package log
