package main

import (
	"SlotLock/internal/auth"
	"SlotLock/internal/config"
	"SlotLock/internal/state"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate SLOT_TOKEN_HASH_KEY and SLOT_TOKEN_BLOCK_KEY values (base64)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, block := auth.GenerateKeys()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "export %sTOKEN_HASH_KEY=%s\n", config.Prefix, base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(out, "export %sTOKEN_BLOCK_KEY=%s\n", config.Prefix, base64.StdEncoding.EncodeToString(block))
			return nil
		},
	}
}

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin credential helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for SLOT_ADMIN_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export %sADMIN_PASSWORD_HASH='%s'\n", config.Prefix, hash)
			return nil
		},
	})
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Identity token helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <identity>",
		Short: "Issue a bearer token with the configured token keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if !cfg.HasTokenKeys() {
				return fmt.Errorf("%sTOKEN_HASH_KEY and %sTOKEN_BLOCK_KEY must be set; run `slotlock keys`", config.Prefix, config.Prefix)
			}
			tok, err := auth.NewTokens(cfg.TokenHashKey, cfg.TokenBlockKey, cfg.TokenTTL).Issue(state.Identity(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	})
	return cmd
}
