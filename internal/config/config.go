// Package config defines the node's command-line and environment
// configuration surface (spec C12), grounded in the teacher's go-flags
// struct-tag convention (cmd/flow-ingester's grouped, namespaced option
// structs): every setting carries a long flag name, an environment
// variable fallback, and — where one makes sense — a default.
package config

import (
	"fmt"

	"github.com/jessevdk/go-flags"
)

// Config is the top-level configuration object for the abcicore node.
type Config struct {
	Socket struct {
		Path string `long:"path" env:"PATH" default:"/tmp/abci.sock" description:"Unix domain socket the consensus driver connects to"`
	} `group:"Socket" namespace:"socket" env-namespace:"SOCKET"`

	Chain struct {
		ID               string `long:"id" env:"ID" required:"true" description:"Chain identifier transactions must target"`
		GenesisPath      string `long:"genesis-path" env:"GENESIS_PATH" description:"Path to the signed genesis document"`
		StatePatchesPath string `long:"state-patches-path" env:"STATE_PATCHES_PATH" description:"Path to the height-keyed state-patches document"`
		DefaultStampRate int64  `long:"default-stamp-rate" env:"DEFAULT_STAMP_RATE" default:"20" description:"Stamps-per-token rate used before the stamp_cost contract cell is set"`
	} `group:"Chain" namespace:"chain" env-namespace:"CHAIN"`

	Snapshot struct {
		Dir             string `long:"dir" env:"DIR" default:"/var/lib/abcicore/snapshots" description:"Directory snapshots are written under"`
		IntervalBlocks  int64  `long:"interval-blocks" env:"INTERVAL_BLOCKS" default:"1000" description:"Take a snapshot every N committed blocks; 0 disables snapshotting"`
		MaxChunkSize    int    `long:"max-chunk-size" env:"MAX_CHUNK_SIZE" default:"10485760" description:"Maximum bytes per gzip chunk"`
		MaxSnapshots    int    `long:"max-snapshots" env:"MAX_SNAPSHOTS" default:"5" description:"Number of most-recent snapshots retained"`
	} `group:"Snapshot" namespace:"snapshot" env-namespace:"SNAPSHOT"`

	Query struct {
		ListenAddr string `long:"listen-addr" env:"LISTEN_ADDR" default:"127.0.0.1:26658" description:"Loopback address the HTTP query surface listens on"`
	} `group:"Query" namespace:"query" env-namespace:"QUERY"`

	Metrics struct {
		ListenAddr string `long:"listen-addr" env:"LISTEN_ADDR" default:"127.0.0.1:9090" description:"Loopback address the Prometheus metrics endpoint listens on"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"Minimum log level (trace, debug, info, warn, error)"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// Parse parses args (typically os.Args[1:]) into a fresh Config.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: parsing arguments: %w", err)
	}
	return cfg, nil
}
