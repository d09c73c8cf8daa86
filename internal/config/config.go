// Package config assembles the debugger configuration from the environment
// and the command line.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/caarlos0/env/v11"
	"github.com/urfave/cli/v2"
)

// Store backends.
const (
	StoreSQLite  = "sqlite"
	StoreLevelDB = "leveldb"
)

// EnvConfig holds the DEBUGGER_* environment. Its values become the flag
// defaults, so the command line always wins.
type EnvConfig struct {
	Port         uint   `env:"PORT" envDefault:"9732"`
	Interface    string `env:"INTERFACE"`
	IdentityFile string `env:"IDENTITY_FILE" envDefault:"identity.json"`
	LocalAddress string `env:"LOCAL_ADDRESS" envDefault:"10.0.1.1"`
	FakeAddress  string `env:"FAKE_ADDRESS" envDefault:"10.0.1.2"`
	BridgeDevice string `env:"BRIDGE_DEVICE" envDefault:"tun0"`
	StoreKind    string `env:"STORE" envDefault:"sqlite"`
	StorePath    string `env:"STORE_PATH" envDefault:"debugger.db"`
	MaxPeers     int    `env:"MAX_PEERS"`
	BPFObject    string `env:"BPF_OBJECT" envDefault:"sniffer.bpf.o"`
	TargetPID    int    `env:"TARGET_PID"`
	EnvelopeDump string `env:"ENVELOPE_DUMP"`
	RingCapacity int    `env:"RING_CAPACITY" envDefault:"4096"`
	MaxPayload   int    `env:"MAX_PAYLOAD" envDefault:"65536"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile      string `env:"LOG_FILE"`
}

// ParseEnv reads EnvConfig from the DEBUGGER_* variables.
func ParseEnv() (*EnvConfig, error) {
	return parseEnv(env.Options{Prefix: "DEBUGGER_"})
}

func parseEnv(opts env.Options) (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// Config is the validated runtime configuration.
type Config struct {
	// Port is the monitored node's p2p port.
	Port uint16
	// Interface to capture on; empty picks the first usable one.
	Interface    string
	IdentityFile string

	LocalAddress netip.Addr
	FakeAddress  netip.Addr
	BridgeDevice string

	StoreKind string
	StorePath string
	MaxPeers  int

	// BPFObject is the compiled syscall probe object. Syscall tracing is
	// disabled when TargetPID is zero.
	BPFObject    string
	TargetPID    int
	EnvelopeDump string
	RingCapacity int
	MaxPayload   int

	LogLevel  string
	LogFormat string
	LogFile   string
}

// SyscallTracing reports whether the syscall probes should be loaded.
func (c *Config) SyscallTracing() bool {
	return c.TargetPID > 0
}

// Flag names.
const (
	flagPort         = "port"
	flagInterface    = "interface"
	flagIdentity     = "identity"
	flagLocalAddress = "local-address"
	flagFakeAddress  = "fake-address"
	flagBridge       = "bridge-device"
	flagStore        = "store"
	flagStorePath    = "store-path"
	flagMaxPeers     = "max-peers"
	flagBPFObject    = "bpf-object"
	flagPID          = "pid"
	flagDump         = "envelope-dump"
	flagRing         = "ring-capacity"
	flagMaxPayload   = "max-payload"
	flagLogLevel     = "log-level"
	flagLogFormat    = "log-format"
	flagLogFile      = "log-file"
)

// Flags returns the command line flags with defaults taken from e.
func Flags(e *EnvConfig) []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: flagPort, Aliases: []string{"p"}, Value: e.Port, Usage: "p2p port of the monitored node"},
		&cli.StringFlag{Name: flagInterface, Aliases: []string{"i"}, Value: e.Interface, Usage: "capture interface, first usable one when empty"},
		&cli.StringFlag{Name: flagIdentity, Value: e.IdentityFile, Usage: "node identity JSON file"},
		&cli.StringFlag{Name: flagLocalAddress, Value: e.LocalAddress, Usage: "bridge address of the local node"},
		&cli.StringFlag{Name: flagFakeAddress, Value: e.FakeAddress, Usage: "source address of relayed outgoing segments"},
		&cli.StringFlag{Name: flagBridge, Value: e.BridgeDevice, Usage: "virtual bridge device"},
		&cli.StringFlag{Name: flagStore, Value: e.StoreKind, Usage: "message store backend (sqlite or leveldb)"},
		&cli.StringFlag{Name: flagStorePath, Value: e.StorePath, Usage: "message store location"},
		&cli.IntFlag{Name: flagMaxPeers, Value: e.MaxPeers, Usage: "bound on live peer workers, 0 for unbounded"},
		&cli.StringFlag{Name: flagBPFObject, Value: e.BPFObject, Usage: "compiled syscall probe object"},
		&cli.IntFlag{Name: flagPID, Value: e.TargetPID, Usage: "node process to trace syscalls of, 0 disables syscall tracing"},
		&cli.StringFlag{Name: flagDump, Value: e.EnvelopeDump, Usage: "file receiving the binary envelope stream"},
		&cli.IntFlag{Name: flagRing, Value: e.RingCapacity, Usage: "envelope queue capacity, a power of two"},
		&cli.IntFlag{Name: flagMaxPayload, Value: e.MaxPayload, Usage: "bytes copied per data syscall"},
		&cli.StringFlag{Name: flagLogLevel, Value: e.LogLevel, Usage: "trace, debug, info, warn or error"},
		&cli.StringFlag{Name: flagLogFormat, Value: e.LogFormat, Usage: "text or json"},
		&cli.StringFlag{Name: flagLogFile, Value: e.LogFile, Usage: "log to this file instead of stderr"},
	}
}

// FromContext builds and validates a Config from parsed flags.
func FromContext(c *cli.Context) (*Config, error) {
	port := c.Uint(flagPort)
	if port == 0 || port > 0xffff {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	local, err := netip.ParseAddr(c.String(flagLocalAddress))
	if err != nil {
		return nil, fmt.Errorf("invalid local address: %w", err)
	}
	fake, err := netip.ParseAddr(c.String(flagFakeAddress))
	if err != nil {
		return nil, fmt.Errorf("invalid fake address: %w", err)
	}

	cfg := &Config{
		Port:         uint16(port), //nolint:gosec // range checked above
		Interface:    c.String(flagInterface),
		IdentityFile: c.String(flagIdentity),
		LocalAddress: local,
		FakeAddress:  fake,
		BridgeDevice: c.String(flagBridge),
		StoreKind:    c.String(flagStore),
		StorePath:    c.String(flagStorePath),
		MaxPeers:     c.Int(flagMaxPeers),
		BPFObject:    c.String(flagBPFObject),
		TargetPID:    c.Int(flagPID),
		EnvelopeDump: c.String(flagDump),
		RingCapacity: c.Int(flagRing),
		MaxPayload:   c.Int(flagMaxPayload),
		LogLevel:     c.String(flagLogLevel),
		LogFormat:    c.String(flagLogFormat),
		LogFile:      c.String(flagLogFile),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that do not depend on the host.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == 0 {
		errs = append(errs, errors.New("port must be set"))
	}
	if c.IdentityFile == "" {
		errs = append(errs, errors.New("identity file must be set"))
	}
	if c.LocalAddress == c.FakeAddress {
		errs = append(errs, errors.New("local and fake addresses must differ"))
	}
	if c.LocalAddress.Is4() != c.FakeAddress.Is4() {
		errs = append(errs, errors.New("local and fake addresses must be of the same family"))
	}
	switch c.StoreKind {
	case StoreSQLite, StoreLevelDB:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.StoreKind))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store path must be set"))
	}
	if c.MaxPeers < 0 {
		errs = append(errs, errors.New("max peers must not be negative"))
	}
	if c.TargetPID < 0 {
		errs = append(errs, errors.New("pid must not be negative"))
	}
	if c.RingCapacity <= 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		errs = append(errs, fmt.Errorf("ring capacity %d is not a power of two", c.RingCapacity))
	}
	if c.MaxPayload <= 0 {
		errs = append(errs, errors.New("max payload must be positive"))
	}
	return errors.Join(errs...)
}

// ParseArgs parses args (program name first) on top of the environment
// defaults. It returns a nil Config when only help or version output was
// requested.
func ParseArgs(args []string, e *EnvConfig, out io.Writer) (*Config, error) {
	var cfg *Config
	app := &cli.App{
		Name:            "tezedge-debugger",
		Usage:           "decrypt and record the p2p traffic of a Tezos node",
		Flags:           Flags(e),
		Writer:          out,
		ErrWriter:       out,
		HideHelpCommand: true,
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return fmt.Errorf("unexpected argument %q", c.Args().First())
			}
			var err error
			cfg, err = FromContext(c)
			return err
		},
	}
	if err := app.Run(args); err != nil {
		return nil, err
	}
	return cfg, nil
}
