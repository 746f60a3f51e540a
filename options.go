package pgwatch

import "time"

const (
	defaultBatchSize            = 100
	defaultWorkers              = 4
	defaultQueueSize            = 1024
	defaultCallbackTimeout      = 30 * time.Second
	defaultSafetyNetInterval    = time.Minute
	defaultReplayConcurrency    = 4
	defaultMinReconnectInterval = 100 * time.Millisecond
	defaultMaxReconnectInterval = 30 * time.Second
	defaultIdleWait             = time.Second
	defaultFanOut               = 8
)

// Config defines how the engine delivers, replays and listens.
type Config struct {
	BatchSize            int
	Workers              int
	QueueSize            int
	FanOut               int
	CallbackTimeout      time.Duration
	SafetyNetInterval    time.Duration
	ReplayConcurrency    int
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	IdleWait             time.Duration
	Transport            Transport
	Notifier             Notifier
	Clock                Clock
	ErrorHandler         FailureHandler
	Logger               Logger
	Metrics              Metrics
	FailureClassifier    FailureClassifier
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.FanOut <= 0 {
		c.FanOut = defaultFanOut
	}
	if c.CallbackTimeout < 0 {
		c.CallbackTimeout = 0
	} else if c.CallbackTimeout == 0 {
		c.CallbackTimeout = defaultCallbackTimeout
	}
	if c.SafetyNetInterval == 0 {
		c.SafetyNetInterval = defaultSafetyNetInterval
	}
	if c.ReplayConcurrency <= 0 {
		c.ReplayConcurrency = defaultReplayConcurrency
	}
	if c.MinReconnectInterval <= 0 {
		c.MinReconnectInterval = defaultMinReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.MaxReconnectInterval < c.MinReconnectInterval {
		c.MaxReconnectInterval = c.MinReconnectInterval
	}
	if c.IdleWait <= 0 {
		c.IdleWait = defaultIdleWait
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}

	return c
}

// shutdownGrace bounds how long in-flight deliveries may run after shutdown starts.
func (c Config) shutdownGrace() time.Duration {
	if c.CallbackTimeout > 0 {
		return c.CallbackTimeout
	}

	return defaultCallbackTimeout
}

// Option configures engine behavior.
type Option func(*Config)

// WithBatchSize sets the number of notifications read per replay batch.
func WithBatchSize(size int) Option {
	return func(c *Config) {
		c.BatchSize = size
	}
}

// WithWorkers sets the number of dispatcher workers consuming live hints.
func WithWorkers(count int) Option {
	return func(c *Config) {
		c.Workers = count
	}
}

// WithQueueSize sets the capacity of the live hint queue.
func WithQueueSize(size int) Option {
	return func(c *Config) {
		c.QueueSize = size
	}
}

// WithFanOut sets how many consumers a single notification is delivered to concurrently.
func WithFanOut(n int) Option {
	return func(c *Config) {
		c.FanOut = n
	}
}

// WithCallbackTimeout sets how long the dispatcher waits for a consumer callback.
// A negative value disables the timeout.
func WithCallbackTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CallbackTimeout = timeout
	}
}

// WithSafetyNetInterval sets the period of the catch-up that runs regardless of live
// signals. A negative value disables it.
func WithSafetyNetInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SafetyNetInterval = interval
	}
}

// WithReplayConcurrency sets how many consumers are caught up in parallel.
func WithReplayConcurrency(n int) Option {
	return func(c *Config) {
		c.ReplayConcurrency = n
	}
}

// WithReconnectBackoff sets the first and the maximum delay between reconnect attempts.
func WithReconnectBackoff(minInterval, maxInterval time.Duration) Option {
	return func(c *Config) {
		c.MinReconnectInterval = minInterval
		c.MaxReconnectInterval = maxInterval
	}
}

// WithIdleWait sets how long a listener blocks on the transport before checking for new
// channels to subscribe.
func WithIdleWait(wait time.Duration) Option {
	return func(c *Config) {
		c.IdleWait = wait
	}
}

// WithTransport sets the live transport.
func WithTransport(transport Transport) Option {
	return func(c *Config) {
		c.Transport = transport
	}
}

// WithNotifier sets the component that signals the live transport after Publish.
func WithNotifier(notifier Notifier) Option {
	return func(c *Config) {
		c.Notifier = notifier
	}
}

// WithClock sets the engine clock.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for consumer failures.
func WithErrorHandler(handler FailureHandler) Option {
	return func(c *Config) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the classifier deciding between retry and skip.
func WithFailureClassifier(classifier FailureClassifier) Option {
	return func(c *Config) {
		c.FailureClassifier = classifier
	}
}
