// cli.go holds the dsmq CLI entrypoint (Main), the root serve command and its flags.
package brokercli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/contenox/dsmq/brokerservice"
	"github.com/spf13/cobra"
)

// Main runs the dsmq CLI. Any command error exits with status 1.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dsmq [host [port]]",
	Short: "Minimal TCP message broker with per-topic put/get.",
	Long: `dsmq runs a small message broker. Publishers put JSON messages on a topic;
consumers poll with get and receive each message stored after they connected,
oldest first. Messages are evicted once they are older than --ttl.

  dsmq                          # listen on 127.0.0.1:30008
  dsmq 0.0.0.0 4000             # listen on all interfaces, port 4000
  dsmq put sensors '{"t":21.5}' # publish through a running broker
  dsmq get sensors --count 3    # wait for three messages

Settings are read from ./.dsmq/config.yaml (or --config), then DSMQ_*
environment variables, then flags, then the positional host and port.`,
	Args:         rootArgs,
	RunE:         runServe,
	SilenceUsage: true,
}

// rootArgs prints usage on too many positional arguments so the error is not
// confused with a subcommand typo.
func rootArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 2 {
		_ = cmd.Usage()
		return errUsage
	}
	return nil
}

func init() {
	addServeFlags(rootCmd)

	putCmd.Flags().String("addr", defaultAddr(), "Broker address (host:port)")
	putCmd.Flags().Duration("timeout", defaultClientTimeout, "Dial and write timeout")

	getCmd.Flags().String("addr", defaultAddr(), "Broker address (host:port)")
	getCmd.Flags().Int("count", 1, "Number of messages to wait for")
	getCmd.Flags().Duration("timeout", defaultGetTimeout, "How long to wait for messages")
	getCmd.Flags().Duration("poll", defaultPollInterval, "Interval between polls while the topic is empty")

	rootCmd.AddCommand(putCmd, getCmd)
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "Path to a YAML config file (default: ./.dsmq/config.yaml)")
	f.Duration("ttl", brokerservice.DefaultTTL, "Minimum message age before eviction")
	f.String("backend", backendSQLite, "Message store: sqlite, valkey or memory")
	f.String("db-name", "dsmq", "Name of the shared in-memory SQLite database")
	f.Int("retries", 5, "Attempts for a busy SQLite statement")
	f.Duration("first-retry", 10*time.Millisecond, "First back-off delay for a busy SQLite statement")
	f.String("valkey-addr", "", "Valkey address for the valkey backend")
	f.String("valkey-password", "", "Valkey password")
	f.String("nats-url", "", "If set, mirror every put to NATS subject "+brokerservice.MirrorSubject)
	f.String("nats-user", "", "NATS user")
	f.String("nats-password", "", "NATS password")
	f.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9108)")
	f.Duration("sweep-interval", 0, "Background purge interval (0 purges on request traffic only)")
	f.Int("read-buffer", brokerservice.DefaultReadBufferSize, "Bytes per socket read")
	f.Int("max-frame", brokerservice.DefaultMaxFrameSize, "Largest incomplete request kept per connection")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.Bool("trace", false, "Log every message store call (shown at debug level)")
}

// setupLogger installs a text handler on stderr at the given level.
func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
