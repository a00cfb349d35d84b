package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pior/mctext"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Run commands interactively on one connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		client, err := mctext.NewClient(viper.GetString("server"), clientConfig(logger))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		return runShell(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout(), viper.GetDuration("timeout"))
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

const shellHelp = `Commands:
  get <key>...                  - Get values
  gets <key>...                 - Get values with CAS tokens
  set <key> <value> [ttl]       - Store a value, TTL in seconds
  add <key> <value> [ttl]       - Store a value if absent
  replace <key> <value> [ttl]   - Store a value if present
  append <key> <value>          - Append to a value
  prepend <key> <value>         - Prepend to a value
  cas <key> <value> <cas> [ttl] - Store a value if unmodified
  delete <key>                  - Delete a key
  incr <key> <delta>            - Increment a counter
  decr <key> <delta>            - Decrement a counter
  touch <key> <ttl>             - Reset a TTL
  flush [delay]                 - Invalidate every item
  version                       - Server version
  stats                         - Client statistics
  quit                          - Exit`

func runShell(ctx context.Context, client *mctext.Client, in io.Reader, out io.Writer, timeout time.Duration) error {
	fmt.Fprintf(out, "Connected to %s. Type 'help' for available commands.\n", client.Addr())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		command := strings.ToLower(parts[0])
		if command == "quit" || command == "exit" {
			return nil
		}

		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		msg := shellExec(cmdCtx, client, command, parts[1:])
		cancel()

		fmt.Fprintf(out, "%s (took %v)\n", msg, time.Since(start).Round(time.Microsecond))
	}
	return scanner.Err()
}

func shellExec(ctx context.Context, c *mctext.Client, command string, args []string) string {
	usage := func(u string) string { return "Usage: " + u }

	switch command {
	case "help":
		return shellHelp

	case "get", "gets":
		if len(args) == 0 {
			return usage(command + " <key>...")
		}
		get := c.Get
		if command == "gets" {
			get = c.Gets
		}
		items, err := get(ctx, args...)
		if err != nil {
			return describe(err)
		}
		var b strings.Builder
		for _, key := range args {
			if item, ok := items[key]; ok {
				fmt.Fprintf(&b, "%s: %s flags=%d cas=%d\n", key, item.Value, item.Flags, item.CAS)
			} else {
				fmt.Fprintf(&b, "%s: <not found>\n", key)
			}
		}
		fmt.Fprintf(&b, "Retrieved %d out of %d keys", len(items), len(args))
		return b.String()

	case "set", "add", "replace", "append", "prepend":
		if len(args) < 2 || len(args) > 3 {
			return usage(command + " <key> <value> [ttl]")
		}
		item, err := shellItem(args[0], args[1], args[2:])
		if err != nil {
			return err.Error()
		}
		store := map[string]func(context.Context, mctext.Item) error{
			"set": c.Set, "add": c.Add, "replace": c.Replace, "append": c.Append, "prepend": c.Prepend,
		}[command]
		if err := store(ctx, item); err != nil {
			return describe(err)
		}
		return "STORED"

	case "cas":
		if len(args) < 3 || len(args) > 4 {
			return usage("cas <key> <value> <cas> [ttl]")
		}
		item, err := shellItem(args[0], args[1], args[3:])
		if err != nil {
			return err.Error()
		}
		if item.CAS, err = strconv.ParseUint(args[2], 10, 64); err != nil {
			return "Invalid CAS: " + err.Error()
		}
		if err := c.CompareAndSwap(ctx, item); err != nil {
			return describe(err)
		}
		return "STORED"

	case "delete", "del":
		if len(args) != 1 {
			return usage("delete <key>")
		}
		if err := c.Delete(ctx, args[0]); err != nil {
			return describe(err)
		}
		return "DELETED"

	case "incr", "decr":
		if len(args) != 2 {
			return usage(command + " <key> <delta>")
		}
		delta, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return "Invalid delta: " + err.Error()
		}
		op := c.Increment
		if command == "decr" {
			op = c.Decrement
		}
		n, err := op(ctx, args[0], delta)
		if err != nil {
			return describe(err)
		}
		return strconv.FormatUint(n, 10)

	case "touch":
		if len(args) != 2 {
			return usage("touch <key> <ttl>")
		}
		ttl, err := parseSeconds(args[1])
		if err != nil {
			return err.Error()
		}
		if err := c.Touch(ctx, args[0], ttl); err != nil {
			return describe(err)
		}
		return "TOUCHED"

	case "flush":
		var delay time.Duration
		if len(args) == 1 {
			d, err := parseSeconds(args[0])
			if err != nil {
				return err.Error()
			}
			delay = d
		}
		if err := c.FlushAll(ctx, delay); err != nil {
			return describe(err)
		}
		return "OK"

	case "version":
		v, err := c.Version(ctx)
		if err != nil {
			return describe(err)
		}
		return v

	case "stats":
		s := c.Stats()
		return fmt.Sprintf("state=%s retrievals=%d hits=%d misses=%d stores=%d deletes=%d errors=%d reconnects=%d p50=%v p99=%v",
			c.State(), s.Retrievals, s.Hits, s.Misses, s.Stores, s.Deletes, s.Errors, s.Reconnects, s.LatencyP50, s.LatencyP99)
	}

	return fmt.Sprintf("Unknown command: %s. Type 'help' for available commands.", command)
}

func shellItem(key, value string, ttlArg []string) (mctext.Item, error) {
	item := mctext.Item{Key: key, Value: []byte(value)}
	if len(ttlArg) == 1 {
		ttl, err := parseSeconds(ttlArg[0])
		if err != nil {
			return item, err
		}
		item.TTL = ttl
	}
	return item, nil
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number of seconds %q", s)
	}
	return time.Duration(n) * time.Second, nil
}
