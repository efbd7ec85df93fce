package main

import (
	"SlotLock/internal/config"
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newAssetCmd manages the Postgres asset registry directly, bypassing the
// API's admin and caller checks. Meant for operators with database access.
func newAssetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "Mint assets and manage approvals in the Postgres registry",
	}

	withRegistry := func(fn func(ctx context.Context, reg *registry.Postgres, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("%sPOSTGRES_DSN is not set", config.Prefix)
			}
			ctx := cmd.Context()
			pool, err := registry.OpenPool(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(ctx, registry.NewPostgres(pool), args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "mint <asset-id> <holder>",
		Short: "Create an asset held by holder",
		Args:  cobra.ExactArgs(2),
		RunE: withRegistry(func(ctx context.Context, reg *registry.Postgres, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return reg.Mint(ctx, id, state.Identity(args[1]))
		}),
	})

	var holder string
	approve := &cobra.Command{
		Use:   "approve <asset-id> <spender>",
		Short: "Approve spender to move one asset on the holder's behalf",
		Args:  cobra.ExactArgs(2),
		RunE: withRegistry(func(ctx context.Context, reg *registry.Postgres, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return reg.Approve(ctx, state.Identity(holder), id, state.Identity(args[1]))
		}),
	}
	approve.Flags().StringVar(&holder, "as", "", "identity approving (the holder or one of its operators)")
	_ = approve.MarkFlagRequired("as")
	cmd.AddCommand(approve)

	var revoke bool
	operator := &cobra.Command{
		Use:   "operator <holder> <operator>",
		Short: "Approve operator for all of holder's assets",
		Args:  cobra.ExactArgs(2),
		RunE: withRegistry(func(ctx context.Context, reg *registry.Postgres, args []string) error {
			return reg.SetApprovalForAll(ctx, state.Identity(args[0]), state.Identity(args[1]), !revoke)
		}),
	}
	operator.Flags().BoolVar(&revoke, "revoke", false, "remove the approval instead")
	cmd.AddCommand(operator)

	var unset bool
	used := &cobra.Command{
		Use:   "used <asset-id>",
		Short: "Set the used flag kept for the staking side",
		Args:  cobra.ExactArgs(1),
		RunE: withRegistry(func(ctx context.Context, reg *registry.Postgres, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return reg.SetUsed(ctx, id, !unset)
		}),
	}
	used.Flags().BoolVar(&unset, "clear", false, "clear the flag instead")
	cmd.AddCommand(used)

	return cmd
}

func parseAssetID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("asset id %q: %w", s, err)
	}
	return id, nil
}
