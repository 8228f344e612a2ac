package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dense-identity/relaycall/internal/callstore"
	"github.com/dense-identity/relaycall/internal/config"
)

func callsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect calls shared through the call store",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List calls every consumer is tracking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *callstore.Store) error {
				snaps, err := s.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(snaps)
				}
				if len(snaps) == 0 {
					fmt.Println("No stored calls")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Call ID", "Node", "Direction", "State", "To", "From", "Since"})
				for _, s := range snaps {
					tw.AppendRow(table.Row{s.CallID, s.NodeID, s.Direction, s.State, s.To, s.From, s.CreatedAt.Local().Format("15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every stored call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *callstore.Store) error {
				return s.Clear(ctx)
			})
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func withStore(ctx context.Context, fn func(context.Context, *callstore.Store) error) error {
	cfg, err := config.Load[config.ConsumerConfig]()
	if err != nil {
		return err
	}
	if !cfg.Store.Enabled {
		return errors.New("call store disabled; set CALL_STORE_ENABLED=true")
	}
	s, err := callstore.New(ctx, callstore.Options{
		Enabled:  true,
		Addr:     cfg.Store.Addr,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
		Prefix:   cfg.Store.Prefix,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
