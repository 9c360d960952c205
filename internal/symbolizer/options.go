package symbolizer

import (
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	demangle      []demangle.Option
	maxDecompress int64
}

// WithDemangle demangles extracted names with the given options. An empty
// slice leaves names untouched.
func WithDemangle(opts []demangle.Option) Option {
	return func(o *options) {
		o.demangle = opts
	}
}

// WithMaxDecompressedBytes caps the size of decompressed inputs and of
// embedded compressed sections. Values <= 0 mean
// DefaultMaxDecompressedBytes.
func WithMaxDecompressedBytes(n int64) Option {
	return func(o *options) {
		o.maxDecompress = n
	}
}

// ParseDemangleMode maps a mode name to demangler options.
func ParseDemangleMode(mode string) ([]demangle.Option, error) {
	switch mode {
	case "", "none":
		return nil, nil
	case "simplified":
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}, nil
	case "templates":
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}, nil
	case "full":
		return []demangle.Option{demangle.NoClones}, nil
	default:
		return nil, fmt.Errorf("unknown demangle mode %q", mode)
	}
}

func demangleName(name string, opts []demangle.Option) string {
	if len(opts) == 0 {
		return name
	}
	return demangle.Filter(name, opts...)
}
