package main

import (
	"SlotLock/internal/config"
	"SlotLock/internal/query"
	"SlotLock/internal/server"
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	addr          string
	token         string
	adminPassword string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "localhost:9090", "gRPC address of the server")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv(config.Prefix+"TOKEN"), "bearer identity token")
	cmd.Flags().StringVar(&f.adminPassword, "admin-password", os.Getenv(config.Prefix+"ADMIN_PASSWORD"), "admin password")
}

func (f *clientFlags) run(fn func(ctx context.Context, c *server.Client) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := server.Dial(f.addr)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		if f.token != "" {
			ctx = server.WithToken(ctx, f.token)
		}
		if f.adminPassword != "" {
			ctx = server.WithAdminPassword(ctx, f.adminPassword)
		}

		resp, err := fn(ctx, c)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
}

func newClientCmds() []*cobra.Command {
	return []*cobra.Command{
		newReserveCmd(),
		newFulfillCmd(),
		newLookupCmd(),
		newAvailableCmd(),
		newIntegrityCmd(),
	}
}

func newReserveCmd() *cobra.Command {
	var (
		f         clientFlags
		requestID string
		assetID   uint64
		day       string
		contact   string
	)
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve a day by escrowing an asset",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = f.run(func(ctx context.Context, c *server.Client) (any, error) {
		if requestID == "" {
			requestID = uuid.NewString()
		}
		return c.Reserve(ctx, &server.ReserveRequest{
			RequestID: requestID,
			AssetID:   &assetID,
			Day:       day,
			Contact:   contact,
		})
	})
	f.register(cmd)
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key (random when empty)")
	cmd.Flags().Uint64Var(&assetID, "asset", 0, "asset to escrow")
	cmd.Flags().StringVar(&day, "day", "", "day to reserve, YYYY-MM-DD")
	cmd.Flags().StringVar(&contact, "contact", "", "contact details stored with the reservation")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("day")
	return cmd
}

func newFulfillCmd() *cobra.Command {
	var (
		f         clientFlags
		requestID string
	)
	cmd := &cobra.Command{
		Use:   "fulfill <owner>",
		Short: "Fulfill owner's pending reservation (operators only)",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return f.run(func(ctx context.Context, c *server.Client) (any, error) {
			if requestID == "" {
				requestID = uuid.NewString()
			}
			return c.Fulfill(ctx, &server.FulfillRequest{RequestID: requestID, Owner: args[0]})
		})(cmd, args)
	}
	f.register(cmd)
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key (random when empty)")
	return cmd
}

func newLookupCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "lookup <day>",
		Short: "Show the reservation on a day",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return f.run(func(ctx context.Context, c *server.Client) (any, error) {
			return c.GetReservation(ctx, &server.GetReservationRequest{Day: args[0]})
		})(cmd, args)
	}
	f.register(cmd)
	return cmd
}

func newAvailableCmd() *cobra.Command {
	var (
		f     clientFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "available",
		Short: "List bookable days, earliest first",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = f.run(func(ctx context.Context, c *server.Client) (any, error) {
		return c.AvailableDates(ctx, &server.AvailableDatesRequest{Limit: limit})
	})
	f.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum days to list (0 for the whole horizon)")
	return cmd
}

func newIntegrityCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Verify the event log hash chain (admin)",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var report *query.IntegrityReport
		err := f.run(func(ctx context.Context, c *server.Client) (any, error) {
			var err error
			report, err = c.VerifyIntegrity(ctx)
			return report, err
		})(cmd, args)
		if err != nil {
			return err
		}
		if !report.IsHealthy {
			return errors.New("event log integrity check failed")
		}
		return nil
	}
	f.register(cmd)
	return cmd
}
