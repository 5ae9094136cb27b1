package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/rpc"
	"github.com/outofforest/capnp/rpc/transport"
	"github.com/outofforest/capnp/stream"
)

// Config stores limits of decoding and connections.
type Config struct {
	Read   Read
	Stream Stream
	RPC    RPC
}

// Read configures reading of decoded messages.
type Read struct {
	// TraversalLimit is the number of words which may be read from one message.
	TraversalLimit uint64

	// DepthLimit is the maximum nesting of pointers.
	DepthLimit uint
}

// Stream configures stream framing.
type Stream struct {
	MaxSegments    uint32
	MaxMessageSize uint64
	Packed         bool
}

// RPC configures connections.
type RPC struct {
	AbortTimeout time.Duration

	// MaxQuestions limits calls waiting for return. Zero means no limit.
	MaxQuestions int
}

// Default returns the default configuration.
func Default() Config {
	limits := stream.DefaultLimits()
	return Config{
		Read: Read{
			TraversalLimit: capnp.DefaultReaderOptions.TraversalLimit,
			DepthLimit:     capnp.DefaultReaderOptions.DepthLimit,
		},
		Stream: Stream{
			MaxSegments:    limits.MaxSegments,
			MaxMessageSize: limits.MaxMessageSize,
		},
		RPC: RPC{
			AbortTimeout: rpc.DefaultAbortTimeout,
		},
	}
}

type fileConfig struct {
	Read struct {
		TraversalLimit uint64 `toml:"traversal_limit"`
		DepthLimit     uint   `toml:"depth_limit"`
	} `toml:"read"`
	Stream struct {
		MaxSegments    uint32 `toml:"max_segments"`
		MaxMessageSize uint64 `toml:"max_message_size"`
		Packed         bool   `toml:"packed"`
	} `toml:"stream"`
	RPC struct {
		AbortTimeout string `toml:"abort_timeout"`
		MaxQuestions int    `toml:"max_questions"`
	} `toml:"rpc"`
}

// Load reads configuration from TOML file. Keys missing in the file keep default values.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading config %s", path)
	}
	return apply(raw, meta)
}

// Parse reads configuration from TOML document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return apply(raw, meta)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %s", undecoded[0])
	}

	cfg := Default()

	if meta.IsDefined("read", "traversal_limit") {
		if raw.Read.TraversalLimit == 0 {
			return Config{}, errors.New("read.traversal_limit must be positive")
		}
		cfg.Read.TraversalLimit = raw.Read.TraversalLimit
	}
	if meta.IsDefined("read", "depth_limit") {
		if raw.Read.DepthLimit == 0 {
			return Config{}, errors.New("read.depth_limit must be positive")
		}
		cfg.Read.DepthLimit = raw.Read.DepthLimit
	}

	if meta.IsDefined("stream", "max_segments") {
		if raw.Stream.MaxSegments == 0 {
			return Config{}, errors.New("stream.max_segments must be positive")
		}
		cfg.Stream.MaxSegments = raw.Stream.MaxSegments
	}
	if meta.IsDefined("stream", "max_message_size") {
		if raw.Stream.MaxMessageSize == 0 {
			return Config{}, errors.New("stream.max_message_size must be positive")
		}
		cfg.Stream.MaxMessageSize = raw.Stream.MaxMessageSize
	}
	if meta.IsDefined("stream", "packed") {
		cfg.Stream.Packed = raw.Stream.Packed
	}

	if meta.IsDefined("rpc", "abort_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RPC.AbortTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parsing rpc.abort_timeout")
		}
		if d <= 0 {
			return Config{}, errors.New("rpc.abort_timeout must be positive")
		}
		cfg.RPC.AbortTimeout = d
	}
	if meta.IsDefined("rpc", "max_questions") {
		if raw.RPC.MaxQuestions < 0 {
			return Config{}, errors.New("rpc.max_questions must not be negative")
		}
		cfg.RPC.MaxQuestions = raw.RPC.MaxQuestions
	}

	return cfg, nil
}

// ReaderOptions returns options of reader messages.
func (c Config) ReaderOptions() capnp.ReaderOptions {
	return capnp.ReaderOptions{
		TraversalLimit: c.Read.TraversalLimit,
		DepthLimit:     c.Read.DepthLimit,
	}
}

// StreamLimits returns limits of stream decoder.
func (c Config) StreamLimits() stream.Limits {
	return stream.Limits{
		MaxSegments:    c.Stream.MaxSegments,
		MaxMessageSize: c.Stream.MaxMessageSize,
		Reader:         c.ReaderOptions(),
	}
}

// TransportOptions returns options of stream transport.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		Packed: c.Stream.Packed,
		Limits: c.StreamLimits(),
	}
}

// RPCOptions returns options of connection. Bootstrap capability is set by the caller.
func (c Config) RPCOptions() rpc.Options {
	return rpc.Options{
		AbortTimeout: c.RPC.AbortTimeout,
		MaxQuestions: c.RPC.MaxQuestions,
	}
}
