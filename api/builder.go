package api

import "log/slog"

// CallerBuilder constructs an FSMCaller.
type CallerBuilder interface {
	// Build validates the collected options and starts the caller's
	// subscription on the executor.
	Build() (FSMCaller, error)

	// WithConfig sets the configuration.
	// If not provided, a DefaultConfig will be used.
	WithConfig(*Config) CallerBuilder

	// WithLogger sets a custom slog.Logger.
	// If not provided, a logger based on the Config's Log section is used.
	WithLogger(*slog.Logger) CallerBuilder

	// WithNode sets the owner notified about fatal faults.
	WithNode(Node) CallerBuilder

	// WithMetrics sets the metrics sink. Observations are dropped if unset.
	WithMetrics(MetricsSink) CallerBuilder

	// WithBootstrapID sets the applied position restored from storage.
	WithBootstrapID(LogID) CallerBuilder

	// WithAfterShutdown sets a closure run once by Join.
	WithAfterShutdown(Closure) CallerBuilder
}
