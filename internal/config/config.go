// Package config parses the symbolicator's command line, environment and
// config file settings.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/VladMinzatu/symbolicator/internal/provider"
	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
	"github.com/VladMinzatu/symbolicator/internal/symbolizer"
)

const (
	envVarPrefix = "SYMBOLICATOR"

	defaultListenAddress   = ":8080"
	defaultMaxRequestBytes = 16 << 20
	defaultShutdownTimeout = 10 * time.Second
	defaultDemangle        = "none"
)

var (
	configFileHelp       = "Path to a config file with one \"flag value\" pair per line."
	listenAddressHelp    = "Address the HTTP server listens on."
	symbolsDirHelp       = "Local symbol store laid out as <file>/<debugId>/<file>."
	symbolServerURLHelp  = "Symbol server base URL using the same layout as the local store. Tried after -symbols-dir."
	moduleTimeoutHelp    = "Maximum time to wait for one module's files. Zero disables the timeout."
	maxConcurrentHelp    = "Maximum number of modules of one job resolved at the same time. Zero or less means no limit."
	demangleHelp         = "Demangling of symbol names: none, simplified, templates or full."
	legacyOffsetHelp     = "Report function_offset as the decimal position of the name in the symbol table, as older clients expect, instead of the hex distance from the function start."
	maxRequestBytesHelp  = "Maximum size of a symbolication request body."
	maxDownloadBytesHelp = "Maximum size of one file downloaded from the symbol server."
	maxDecompressedHelp  = "Maximum size of a module file or embedded section after decompression."
	shutdownTimeoutHelp  = "Time allowed for in-flight requests to finish on shutdown."
	verboseModeHelp      = "Enable verbose logging."
)

type Config struct {
	ListenAddress        string
	SymbolsDir           string
	SymbolServerURL      string
	ModuleTimeout        time.Duration
	MaxConcurrentModules int
	Demangle             string
	LegacyFunctionOffset bool
	MaxRequestBytes      int64
	MaxDownloadBytes     int64
	MaxDecompressedBytes int64
	ShutdownTimeout      time.Duration
	Verbose              bool

	Fs *flag.FlagSet
}

// Parse reads args, then SYMBOLICATOR_* environment variables, then the
// file named by -config.
func Parse(args []string) (*Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("symbolicator", flag.ContinueOnError)

	fs.String("config", "", configFileHelp)

	fs.StringVar(&cfg.Demangle, "demangle", defaultDemangle, demangleHelp)
	fs.BoolVar(&cfg.LegacyFunctionOffset, "legacy-function-offset", false, legacyOffsetHelp)
	fs.StringVar(&cfg.ListenAddress, "listen-address", defaultListenAddress, listenAddressHelp)
	fs.IntVar(&cfg.MaxConcurrentModules, "max-concurrent-modules",
		symbolicate.DefaultMaxConcurrentModules, maxConcurrentHelp)
	fs.Int64Var(&cfg.MaxDecompressedBytes, "max-decompressed-bytes", symbolizer.DefaultMaxDecompressedBytes,
		maxDecompressedHelp)
	fs.Int64Var(&cfg.MaxDownloadBytes, "max-download-bytes", provider.DefaultMaxDownloadBytes,
		maxDownloadBytesHelp)
	fs.Int64Var(&cfg.MaxRequestBytes, "max-request-bytes", defaultMaxRequestBytes, maxRequestBytesHelp)
	fs.DurationVar(&cfg.ModuleTimeout, "module-timeout", symbolicate.DefaultModuleTimeout, moduleTimeoutHelp)
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, shutdownTimeoutHelp)
	fs.StringVar(&cfg.SymbolServerURL, "symbol-server-url", "", symbolServerURLHelp)
	fs.StringVar(&cfg.SymbolsDir, "symbols-dir", "", symbolsDirHelp)

	fs.BoolVar(&cfg.Verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.Verbose, "verbose", false, verboseModeHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	return &cfg, ff.Parse(fs, args,
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

func (cfg *Config) Validate() error {
	if cfg.SymbolsDir == "" && cfg.SymbolServerURL == "" {
		return errors.New("no symbol source configured, set -symbols-dir or -symbol-server-url")
	}
	if cfg.ListenAddress == "" {
		return errors.New("listen address must not be empty")
	}
	if cfg.ModuleTimeout < 0 {
		return fmt.Errorf("invalid module-timeout %s, must not be negative", cfg.ModuleTimeout)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown-timeout %s, must not be negative", cfg.ShutdownTimeout)
	}
	if cfg.MaxRequestBytes <= 0 {
		return fmt.Errorf("invalid max-request-bytes value %d, must be positive", cfg.MaxRequestBytes)
	}
	if cfg.MaxDownloadBytes <= 0 {
		return fmt.Errorf("invalid max-download-bytes value %d, must be positive", cfg.MaxDownloadBytes)
	}
	if cfg.MaxDecompressedBytes <= 0 {
		return fmt.Errorf("invalid max-decompressed-bytes value %d, must be positive", cfg.MaxDecompressedBytes)
	}
	if _, err := symbolizer.ParseDemangleMode(cfg.Demangle); err != nil {
		return err
	}
	return nil
}
