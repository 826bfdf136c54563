package distmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// DefaultLocalThreshold is the per-destination buffer size, in buffer
	// elements, above which a flush is forced.
	DefaultLocalThreshold = 8 << 10

	// DefaultTag is the data tag used when none is configured.
	DefaultTag = 0
)

type config struct {
	logger          zerolog.Logger
	registerer      prometheus.Registerer
	tag             int
	localThreshold  int
	globalThreshold int
	maxMessageSize  int
}

func defaultConfig() config {
	return config{
		logger:          zerolog.Nop(),
		tag:             DefaultTag,
		localThreshold:  DefaultLocalThreshold,
		globalThreshold: 0, // unlimited
		maxMessageSize:  0, // unlimited
	}
}

// Option configures a queue.
type Option func(*config)

// WithLogger attaches a structured logger. Queues log flushes, termination
// waves and transport errors; the default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithRegisterer enables Prometheus metrics on the given registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithTag sets the data tag used by the buffered layer's flushes.
func WithTag(tag int) Option {
	return func(c *config) { c.tag = tag }
}

// WithLocalThreshold sets the per-destination buffer threshold in buffer
// elements. Posting a message whose merged size would exceed it flushes the
// destination's buffer first.
func WithLocalThreshold(n int) Option {
	return func(c *config) { c.localThreshold = n }
}

// WithGlobalThreshold caps the summed size of all send buffers. When the
// total exceeds it, the largest non-empty buffer is flushed (ties broken
// towards the lowest destination rank). Zero means unlimited.
func WithGlobalThreshold(n int) Option {
	return func(c *config) { c.globalThreshold = n }
}

// WithMaxMessageSize bounds the encoded size of a single logical message.
// Posts beyond the bound fail with ErrBufferOverflow. Zero means unlimited.
func WithMaxMessageSize(n int) Option {
	return func(c *config) { c.maxMessageSize = n }
}
