package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/sievemgr/config"
	"github.com/migadu/sievemgr/logger"
	"github.com/migadu/sievemgr/pkg/metrics"
	"github.com/migadu/sievemgr/session"
)

type commonOptions struct {
	configPath string
	account    string
	verbose    bool
}

func addCommonFlags(fs *flag.FlagSet) *commonOptions {
	opts := &commonOptions{}
	fs.StringVar(&opts.configPath, "config", "sievemgr.toml", "Path to TOML configuration file")
	fs.StringVar(&opts.account, "account", "", "Account to use (default: first account)")
	fs.BoolVar(&opts.verbose, "verbose", false, "Log the protocol exchange")
	return opts
}

// parseArgs parses args and exits with the usage when the number of
// positional arguments is not want.
func parseArgs(fs *flag.FlagSet, args []string, want int) []string {
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != want {
		fs.Usage()
		os.Exit(2)
	}
	return fs.Args()
}

func loadConfig(opts *commonOptions) (*config.Config, *config.AccountConfig) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(opts.configPath, &cfg); err != nil {
		fatalf("Failed to load configuration from %s: %v", opts.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	acct, err := cfg.Account(opts.account)
	if err != nil {
		fatalf("%v", err)
	}
	return &cfg, acct
}

// withSession connects the selected account, runs fn and logs out. It exits
// with status 1 when any step failed.
func withSession(opts *commonOptions, fn func(ctx context.Context, s *session.Session) error) {
	cfg, acct := loadConfig(opts)
	if err := runSession(cfg, acct, fn); err != nil {
		fatalf("%s: %v", acct.Name, err)
	}
}

// runSession does the work of withSession. The metrics textfile is written
// in any case, the log file is closed before it returns.
func runSession(cfg *config.Config, acct *config.AccountConfig, fn func(ctx context.Context, s *session.Session) error) error {
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := session.New(*acct, session.WithOnConnected(func(host string, port int) {
		logger.Debug("logged in", "account", acct.Name, "host", host, "port", port)
	}))
	err = s.Connect(ctx)
	if err == nil {
		err = fn(ctx, s)
		if derr := s.Disconnect(ctx, err != nil); derr != nil {
			logger.Warn("logout failed", "error", derr)
		}
	}

	if path := cfg.Metrics.Textfile; path != "" {
		if merr := metrics.WriteTextfile(path, nil); merr != nil {
			logger.Warn("failed to export metrics", "error", merr)
		}
	}
	return err
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
