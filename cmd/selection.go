package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Shugur-Network/relaymux/internal/application"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
)

var jsonOutput bool

// parsePubkey accepts a hex key or an npub.
func parsePubkey(s string) (string, error) {
	if strings.HasPrefix(s, "npub1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid npub %q: %w", s, err)
		}
		if hex, ok := v.(string); ok && prefix == "npub" {
			return hex, nil
		}
		return "", fmt.Errorf("invalid npub %q", s)
	}
	if !nostr.IsValidPublicKey(s) {
		return "", fmt.Errorf("invalid pubkey %q", s)
	}
	return s, nil
}

func parsePubkeys(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		pk, err := parsePubkey(a)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// knownRelays is every relay in the store, seeded from the directory when
// the store is empty.
func knownRelays(ctx context.Context, n *application.Node) ([]string, error) {
	all, err := n.Selector().GetAllRelays(ctx, false)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(all))
	for _, d := range all {
		urls = append(urls, d.URL)
	}
	return urls, nil
}

// lookupRelays is the --relays flag, or the seed relays.
func lookupRelays(cmd *cobra.Command) []string {
	if urls, _ := cmd.Flags().GetStringSlice("relays"); len(urls) > 0 {
		return urls
	}
	return cfg.Selection.SeedRelays
}

func progress(cmd *cobra.Command) func(remaining int) {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet || jsonOutput {
		return nil
	}
	return func(remaining int) {
		fmt.Fprintf(os.Stderr, "\r%d relays remaining   ", remaining)
		if remaining == 0 {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func selectionCommands() []*cobra.Command {
	rankCmd := &cobra.Command{
		Use:   "rank <pubkey>",
		Short: "Rank known relays by how recently they served the pubkey's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, err := parsePubkey(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *application.Node) error {
				urls, err := knownRelays(ctx, n)
				if err != nil {
					return err
				}
				ranked := n.Selector().GetBestRelay(ctx, urls, pubkey, progress(cmd))
				if jsonOutput {
					return printJSON(ranked)
				}
				for i, st := range ranked {
					fmt.Printf("%3d  %-48s  score %d\n", i+1, st.Relay, st.Score)
				}
				return nil
			})
		},
	}
	rankCmd.Flags().Bool("quiet", false, "Hide progress")

	pickCmd := &cobra.Command{
		Use:   "pick <pubkey>...",
		Short: "Pick the fewest write relays that cover every pubkey",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkeys, err := parsePubkeys(args)
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *application.Node) error {
				picked, err := n.Selector().PickOrFail(ctx, lookupRelays(cmd), pubkeys)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(picked)
				}
				for _, u := range picked {
					fmt.Println(u)
				}
				return nil
			})
		},
	}
	pickCmd.Flags().StringSlice("relays", nil, "Relays to look up relay lists on (default: seed relays)")

	fastestCmd := &cobra.Command{
		Use:   "fastest [url...]",
		Short: "Benchmark relay open times and print the quickest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *application.Node) error {
				urls := args
				if len(urls) == 0 {
					urls = cfg.Selection.SeedRelays
				}
				results := n.Selector().Benchmark(ctx, urls)
				if len(results) == 0 {
					return fmt.Errorf("no relays to benchmark")
				}
				if jsonOutput {
					return printJSON(results)
				}
				best := results[0]
				for _, r := range results {
					if r.Benchmark < best.Benchmark {
						best = r
					}
					if r.IsFailed {
						fmt.Printf("%-48s  failed\n", r.URL)
					} else {
						fmt.Printf("%-48s  %.0f ms\n", r.URL, r.Benchmark)
					}
				}
				if best.IsFailed {
					return fmt.Errorf("every relay failed")
				}
				fmt.Printf("fastest: %s\n", best.URL)
				return nil
			})
		},
	}

	autoCmd := &cobra.Command{
		Use:   "auto <pubkey>",
		Short: "Build a relay set from the pubkey's best relays and its contacts' write relays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, err := parsePubkey(args[0])
			if err != nil {
				return err
			}
			rawContacts, _ := cmd.Flags().GetStringSlice("contacts")
			contacts, err := parsePubkeys(rawContacts)
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *application.Node) error {
				urls, err := n.Selector().GetAutoRelay(ctx, lookupRelays(cmd), contacts, pubkey, progress(cmd))
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(urls)
				}
				for _, u := range urls {
					fmt.Println(u)
				}
				return nil
			})
		},
	}
	autoCmd.Flags().StringSlice("contacts", nil, "Contact pubkeys to cover")
	autoCmd.Flags().StringSlice("relays", nil, "Relays to look up relay lists on (default: seed relays)")
	autoCmd.Flags().Bool("quiet", false, "Hide progress")

	relaysCmd := &cobra.Command{
		Use:   "relays",
		Short: "List known relays with their connection record",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetch, _ := cmd.Flags().GetBool("fetch")
			refresh, _ := cmd.Flags().GetBool("refresh")
			return withNode(cmd, func(ctx context.Context, n *application.Node) error {
				all, err := n.Selector().GetAllRelays(ctx, fetch)
				if err != nil {
					return err
				}
				if refresh {
					urls := make([]string, 0, len(all))
					for _, d := range all {
						urls = append(urls, d.URL)
					}
					refreshed, failed := n.Selector().RefreshRelayInfo(ctx, urls)
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "relay info: %d refreshed, %d failed\n", refreshed, failed)
					}
					if refreshed+failed > 0 {
						if all, err = n.Reputation().LoadAll(ctx); err != nil {
							return err
						}
					}
				}
				if jsonOutput {
					return printJSON(all)
				}
				for _, d := range all {
					fmt.Printf("%-48s  ok %-5d fail %-5d rate %.2f  %s\n",
						d.URL, d.SuccessCount, d.FailureCount, reputation.SuccessRate(d), d.Name)
				}
				return nil
			})
		},
	}
	relaysCmd.Flags().Bool("fetch", false, "Always consult the relay directory")
	relaysCmd.Flags().Bool("refresh", false, "Refresh outdated NIP-11 documents")

	cmds := []*cobra.Command{rankCmd, pickCmd, fastestCmd, autoCmd, relaysCmd}
	for _, c := range cmds {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	}
	return cmds
}
