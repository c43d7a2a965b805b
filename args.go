package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"fileserver/config"
)

const (
	modeHost    = "host"
	modeConnect = "connect"
)

var errUsage = errors.New("usage: fileserver host|connect [-a address] [-p port] [--auto-accept] [--debug]")

// runOptions holds the per-run command line overrides.
type runOptions struct {
	mode       string
	address    string
	port       int
	portSet    bool
	autoAccept bool
	debug      bool
}

// parseArgs reads the mode followed by its flags. Modes may be
// abbreviated to any prefix, so "h" selects host mode.
func parseArgs(args []string, output io.Writer) (runOptions, error) {
	var opts runOptions
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return opts, errUsage
	}

	mode := strings.ToLower(args[0])
	switch {
	case strings.HasPrefix(modeHost, mode):
		opts.mode = modeHost
	case strings.HasPrefix(modeConnect, mode):
		opts.mode = modeConnect
	default:
		return opts, fmt.Errorf("unknown mode %q: %w", args[0], errUsage)
	}

	fs := flag.NewFlagSet("fileserver "+opts.mode, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.address, "a", "", "IPv4 address to listen on or connect to")
	fs.StringVar(&opts.address, "address", "", "IPv4 address to listen on or connect to")
	fs.IntVar(&opts.port, "p", 0, "TCP port (0 lets the OS choose when hosting)")
	fs.IntVar(&opts.port, "port", 0, "TCP port (0 lets the OS choose when hosting)")
	fs.BoolVar(&opts.autoAccept, "auto-accept", false, "accept peers and offers without prompting")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	if err := fs.Parse(args[1:]); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q: %w", fs.Arg(0), errUsage)
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "p" || f.Name == "port" {
			opts.portSet = true
		}
	})
	if opts.port < 0 || opts.port > 65535 {
		return opts, fmt.Errorf("invalid port %d: must be 0 ~ 65535", opts.port)
	}
	if opts.mode == modeConnect && opts.portSet && opts.port == 0 {
		return opts, errors.New("invalid port 0: a peer port is required")
	}
	return opts, nil
}

// apply overlays the command line onto the persisted config for this run.
func (o runOptions) apply(cfg *config.Config) {
	switch o.mode {
	case modeHost:
		if o.address != "" {
			cfg.HostAddress = o.address
		}
		if o.portSet {
			cfg.HostPort = o.port
			cfg.PortMode = config.PortModeFixed
			if o.port == 0 {
				cfg.PortMode = config.PortModeAutomatic
			}
		}
	case modeConnect:
		if o.address != "" {
			cfg.ConnectAddress = o.address
		}
		if o.portSet {
			cfg.ConnectPort = o.port
		}
	}
	if o.autoAccept {
		cfg.AutoAccept = true
	}
}
