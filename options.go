package sieve

import "log/slog"

type options struct {
	workgroupSize uint32
	logger        *slog.Logger
}

// Option configures a single Scan or Compact call.
type Option func(*options)

// WithWorkgroupSize overrides the number of threads per workgroup. The size
// must be a power of two within the device's compute limits; each workgroup
// scans a tile of twice this many elements. Zero means the device default.
func WithWorkgroupSize(size uint32) Option {
	return func(o *options) {
		o.workgroupSize = size
	}
}

// WithLogger attaches a structured logger. Kernel encoding and compaction
// results are logged at debug level. If nil, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}
