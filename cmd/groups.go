package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/relaymux/internal/application"
	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/spf13/cobra"
)

// withGroups is withNode for commands that act on the signer's groups.
func withGroups(cmd *cobra.Command, fn func(ctx context.Context, n *application.Node) error) error {
	return withNode(cmd, func(ctx context.Context, n *application.Node) error {
		if n.Pubkey() == "" {
			return fmt.Errorf("relay groups need a signer: set signer.secret_key or signer.key_file")
		}
		return fn(ctx, n)
	})
}

// connectRelays makes urls the multiplexer's active set and waits until
// each relay connected or the open timeout passed.
func connectRelays(ctx context.Context, n *application.Node, urls []string) error {
	mux := n.Multiplexer()
	if err := mux.SwitchRelays(multiplexer.RelaySet{ID: "cli", Relays: urls}); err != nil {
		return err
	}
	deadline := time.Now().Add(cfg.Pool.OpenTimeout)
	for time.Now().Before(deadline) {
		if connected, total := mux.ConnectedCount(); connected == total {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if connected, _ := mux.ConnectedCount(); connected == 0 {
		return fmt.Errorf("none of %d relays connected", len(urls))
	}
	return nil
}

func groupsCommand() *cobra.Command {
	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage the signer's relay groups",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List relay groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				ids, err := n.Groups().GetAllGroupIDs(ctx)
				if err != nil {
					return err
				}
				var groups []models.RelayGroup
				for _, id := range ids {
					g, ok, err := n.Groups().GetGroupByID(ctx, id)
					if err != nil {
						return err
					}
					if ok {
						groups = append(groups, g)
					}
				}
				if jsonOutput {
					return printJSON(groups)
				}
				for _, g := range groups {
					mark := ""
					if g.Changed {
						mark = " (unsynced)"
					}
					fmt.Printf("%-36s  %-24s  kind %-5d  %d relays%s\n", g.ID, g.Title, g.Kind, len(g.Relays), mark)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one relay group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				g, ok, err := n.Groups().GetGroupByID(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no relay group %q", args[0])
				}
				if jsonOutput {
					return printJSON(g)
				}
				fmt.Printf("%s  %s\n", g.ID, g.Title)
				if g.Description != "" {
					fmt.Println(g.Description)
				}
				for _, r := range g.Relays {
					mode := "read+write"
					switch {
					case r.Read && !r.Write:
						mode = "read"
					case r.Write && !r.Read:
						mode = "write"
					}
					fmt.Printf("  %-48s  %s\n", r.URL, mode)
				}
				return nil
			})
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <id> <url>...",
		Short: "Add relays to a group, creating it when missing",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			relayList, _ := cmd.Flags().GetBool("relay-list")
			id := args[0]

			relays := make([]models.RelayDescriptor, 0, len(args)-1)
			for _, u := range args[1:] {
				relays = append(relays, models.NewRelayDescriptor(u))
			}
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				ok, err := n.Groups().AddRelayToGroup(ctx, id, relays...)
				if err != nil || ok {
					return err
				}
				kind := constants.KindRelaySet
				if relayList {
					kind = constants.KindRelayList
				}
				if title == "" {
					title = id
				}
				return n.Groups().SetGroup(ctx, id, models.RelayGroup{
					ID:        id,
					Title:     title,
					Relays:    relays,
					Kind:      kind,
					Timestamp: time.Now().Unix(),
					Changed:   true,
				})
			})
		},
	}
	addCmd.Flags().String("title", "", "Title for a new group (default: the id)")
	addCmd.Flags().Bool("relay-list", false, "Publish the new group as the NIP-65 relay list")

	removeCmd := &cobra.Command{
		Use:   "remove <id> [url...]",
		Short: "Remove relays from a group, or the whole group when no url is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				if len(args) == 1 {
					return n.Groups().RemoveGroup(ctx, args[0])
				}
				ok, err := n.Groups().RemoveRelayFromGroup(ctx, args[0], args[1:]...)
				if err == nil && !ok {
					err = fmt.Errorf("no relay group %q", args[0])
				}
				return err
			})
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Sign and publish a relay group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				targets := lookupRelays(cmd)
				if err := connectRelays(ctx, n, targets); err != nil {
					return err
				}
				results, err := n.Groups().SyncRelayGroup(ctx, args[0], nil)
				if jsonOutput && results != nil {
					if perr := printJSON(results); perr != nil {
						return perr
					}
				} else {
					for _, r := range results {
						status := "ok"
						if !r.IsSuccess {
							status = "failed: " + r.Reason
						}
						fmt.Printf("%-48s  %s\n", r.RelayURL, status)
					}
				}
				return err
			})
		},
	}
	syncCmd.Flags().StringSlice("relays", nil, "Relays to publish to (default: seed relays)")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import the signer's published relay sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				targets := lookupRelays(cmd)
				if err := connectRelays(ctx, n, targets); err != nil {
					return err
				}
				applied, err := n.Groups().SubscribeRelaySets(ctx, n.Multiplexer(), nil)
				if err != nil {
					return err
				}
				fmt.Printf("%d groups updated\n", applied)
				return nil
			})
		},
	}
	importCmd.Flags().StringSlice("relays", nil, "Relays to read from (default: seed relays)")

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete every relay group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(cmd, func(ctx context.Context, n *application.Node) error {
				return n.Groups().Clean(ctx)
			})
		},
	}

	cmds := []*cobra.Command{listCmd, showCmd, addCmd, removeCmd, syncCmd, importCmd, cleanCmd}
	for _, c := range cmds {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	}
	groupsCmd.AddCommand(cmds...)
	return groupsCmd
}
