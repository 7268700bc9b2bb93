// client_cmd.go holds the put and get subcommands, thin wrappers over brokersdk.
package brokercli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/contenox/dsmq/brokersdk"
	"github.com/contenox/dsmq/brokerservice"
	"github.com/spf13/cobra"
)

const (
	defaultClientTimeout = 5 * time.Second
	defaultGetTimeout    = 10 * time.Second
	defaultPollInterval  = 100 * time.Millisecond
)

func defaultAddr() string {
	return net.JoinHostPort(brokerservice.DefaultHost, strconv.Itoa(brokerservice.DefaultPort))
}

var putCmd = &cobra.Command{
	Use:   "put <topic> <message>",
	Short: "Publish one message to a topic.",
	Long: `Publish one message to a topic on a running broker.
The message is sent as JSON when it parses as JSON, otherwise as a JSON string.`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <topic>",
	Short: "Wait for messages on a topic and print them, one per line.",
	Long: `Connect to a running broker and poll a topic until --count messages arrive
or --timeout passes. Only messages published after the connection was opened
are delivered.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

// messageArg returns raw as JSON when it is valid JSON, else as a string.
func messageArg(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func runPut(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := brokersdk.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Put(ctx, args[0], messageArg(args[1])); err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	count, _ := cmd.Flags().GetInt("count")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	poll, _ := cmd.Flags().GetDuration("poll")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := brokersdk.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	for received := 0; received < count; {
		msg, err := client.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get failed after %d of %d messages: %w", received, count, err)
		}
		if msg != nil {
			fmt.Fprintln(out, string(msg))
			received++
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("received %d of %d messages: %w", received, count, ctx.Err())
		case <-time.After(poll):
		}
	}
	return nil
}
