package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pior/mctext"
)

func init() {
	for _, cmd := range []*cobra.Command{setCmd, addCmd, replaceCmd, appendCmd, prependCmd, casCmd} {
		addItemFlags(cmd.Flags())
	}
	gatCmd.Flags().Duration("ttl", 0, "new item lifetime")
	touchCmd.Flags().Duration("ttl", 0, "new item lifetime")
	flushCmd.Flags().Duration("delay", 0, "delay before the flush")

	rootCmd.AddCommand(getCmd, getsCmd, gatCmd, setCmd, addCmd, replaceCmd, appendCmd, prependCmd, casCmd,
		deleteCmd, incrCmd, decrCmd, touchCmd, flushCmd, serverVersionCmd, verbosityCmd)
}

var getCmd = &cobra.Command{
	Use:   "get [key]...",
	Short: "Get the values of keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			items, err := c.Get(ctx, args...)
			if err != nil {
				return err
			}
			printItems(cmd, args, items, false)
			return nil
		})
	},
}

var getsCmd = &cobra.Command{
	Use:   "gets [key]...",
	Short: "Get the values and CAS tokens of keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			items, err := c.Gets(ctx, args...)
			if err != nil {
				return err
			}
			printItems(cmd, args, items, true)
			return nil
		})
	},
}

var gatCmd = &cobra.Command{
	Use:   "gat [key]...",
	Short: "Get the values of keys and reset their TTL",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			items, err := c.GetAndTouch(ctx, ttl, args...)
			if err != nil {
				return err
			}
			printItems(cmd, args, items, false)
			return nil
		})
	},
}

func storeCommand(use, short string, store func(*mctext.Client) func(context.Context, mctext.Item) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [key] [value]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := itemFromFlags(cmd, args[0], args[1])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
				if err := store(c)(ctx, item); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "STORED")
				return nil
			})
		},
	}
}

var (
	setCmd     = storeCommand("set", "Store a value", func(c *mctext.Client) func(context.Context, mctext.Item) error { return c.Set })
	addCmd     = storeCommand("add", "Store a value if the key is absent", func(c *mctext.Client) func(context.Context, mctext.Item) error { return c.Add })
	replaceCmd = storeCommand("replace", "Store a value if the key is present", func(c *mctext.Client) func(context.Context, mctext.Item) error { return c.Replace })
	appendCmd  = storeCommand("append", "Append to an existing value", func(c *mctext.Client) func(context.Context, mctext.Item) error { return c.Append })
	prependCmd = storeCommand("prepend", "Prepend to an existing value", func(c *mctext.Client) func(context.Context, mctext.Item) error { return c.Prepend })
)

var casCmd = &cobra.Command{
	Use:   "cas [key] [value] [cas]",
	Short: "Store a value if it was not modified since gets",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		item, err := itemFromFlags(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		item.CAS, err = strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("cas must be a number: %w", err)
		}
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			if err := c.CompareAndSwap(ctx, item); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "STORED")
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete [key]",
	Aliases: []string{"del"},
	Short:   "Delete a key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			if err := c.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "DELETED")
			return nil
		})
	},
}

func arithmeticCommand(use, short string, op func(*mctext.Client) func(context.Context, string, uint64) (uint64, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [key] [delta]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("delta must be a number: %w", err)
			}
			return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
				n, err := op(c)(ctx, args[0], delta)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

var (
	incrCmd = arithmeticCommand("incr", "Increment a counter", func(c *mctext.Client) func(context.Context, string, uint64) (uint64, error) { return c.Increment })
	decrCmd = arithmeticCommand("decr", "Decrement a counter", func(c *mctext.Client) func(context.Context, string, uint64) (uint64, error) { return c.Decrement })
)

var touchCmd = &cobra.Command{
	Use:   "touch [key]",
	Short: "Reset the TTL of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			if err := c.Touch(ctx, args[0], ttl); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "TOUCHED")
			return nil
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Invalidate every item on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		delay, err := cmd.Flags().GetDuration("delay")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			if err := c.FlushAll(ctx, delay); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		})
	},
}

var serverVersionCmd = &cobra.Command{
	Use:   "server-version",
	Short: "Print the version of the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			v, err := c.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

var verbosityCmd = &cobra.Command{
	Use:   "verbosity [level]",
	Short: "Set the logging level of the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("level must be a number: %w", err)
		}
		return withClient(cmd, func(ctx context.Context, c *mctext.Client) error {
			if err := c.Verbosity(ctx, uint32(level)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		})
	},
}

func printItems(cmd *cobra.Command, keys []string, items map[string]mctext.Item, withCAS bool) {
	out := cmd.OutOrStdout()
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		item, ok := items[key]
		switch {
		case !ok:
			fmt.Fprintf(out, "%s: <not found>\n", key)
		case withCAS:
			fmt.Fprintf(out, "%s: %s (flags=%d cas=%d)\n", key, item.Value, item.Flags, item.CAS)
		default:
			fmt.Fprintf(out, "%s: %s (flags=%d)\n", key, item.Value, item.Flags)
		}
	}
}

// describe renders the outcome errors of the protocol as their reply token.
func describe(err error) string {
	switch {
	case errors.Is(err, mctext.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, mctext.ErrNotStored):
		return "NOT_STORED"
	case errors.Is(err, mctext.ErrExists):
		return "EXISTS"
	case errors.Is(err, mctext.ErrCacheMiss):
		return "<not found>"
	}
	return "error: " + err.Error()
}
