package prism

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger        *slog.Logger
	version       string
	bundleDir     string
	activeVersion string
	callTimeout   time.Duration
	databaseURL   string
	watch         *bool
	ledger        FeedbackLedger
	resultStore   ResultStore
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the application version string reported in logs and
// telemetry. This is the build version, not a model version.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithBundleDir overrides the model bundle directory from config
// (PRISM_BUNDLE_DIR env var).
func WithBundleDir(dir string) Option {
	return func(o *resolvedOptions) { o.bundleDir = dir }
}

// WithActiveVersion overrides the model version activated at startup
// (PRISM_ACTIVE_VERSION env var). Empty keeps the first loaded version.
func WithActiveVersion(name string) Option {
	return func(o *resolvedOptions) { o.activeVersion = name }
}

// WithCallTimeout overrides the per-call inference deadline
// (PRISM_CALL_TIMEOUT env var).
func WithCallTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.callTimeout = d }
}

// WithDatabaseURL overrides the result store connection string from config
// (DATABASE_URL env var). An empty config value disables persistence.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithWatch overrides bundle directory watching (PRISM_WATCH_BUNDLES env
// var). When enabled, new version subdirectories are loaded as they appear.
func WithWatch(enabled bool) Option {
	return func(o *resolvedOptions) { o.watch = &enabled }
}

// WithFeedbackLedger replaces the config-selected feedback ledger backend.
// The App takes ownership and closes the ledger on Close.
func WithFeedbackLedger(l FeedbackLedger) Option {
	return func(o *resolvedOptions) { o.ledger = l }
}

// WithResultStore replaces the Postgres result store. Results from every
// successful inference are persisted through it; similar-case lookup uses it
// when it also implements similarity search.
func WithResultStore(s ResultStore) Option {
	return func(o *resolvedOptions) { o.resultStore = s }
}
