package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iwanhae/netblocker/admission"
	"github.com/iwanhae/netblocker/config"
	"github.com/iwanhae/netblocker/store"
	"github.com/iwanhae/netblocker/types"
	"github.com/spf13/cobra"
)

func newCheckCmd(opts *options) *cobra.Command {
	var (
		name  string
		level int
	)
	cmd := &cobra.Command{
		Use:   "check <address>",
		Short: "Decide whether a client from address would be admitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.loadSettings()
			if err != nil {
				return err
			}
			src, err := store.Open(cmd.Context(), settings.Storage.Driver, settings.Storage.DSN)
			if err != nil {
				return err
			}
			defer src.Close()

			id := types.ConnectingIdentity{Address: args[0], Name: name, Level: level}
			if !cmd.Flags().Changed("level") && name != "" {
				id.Level, err = src.ClientLevel(cmd.Context(), name)
				if err != nil {
					opts.logger.Warn().Err(err).Str("name", name).Msg("could not resolve client level")
				}
			}

			decider := newDecider(src, settings, opts)
			d := decider.Decide(id)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s (level %d, maxlevel %d)\n", d.Verdict, d.Reason, id.Level, decider.Threshold())
			if d.Rejected() {
				fmt.Fprintln(out, types.KickMessage(id, d.Kind))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name, used for the kick message and level lookup")
	cmd.Flags().IntVar(&level, "level", 0, "client privilege level; looked up by --name when unset")
	return cmd
}

func newBansCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bans",
		Short: "List the addresses with an active Ban or TempBan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.loadSettings()
			if err != nil {
				return err
			}
			src, err := store.Open(cmd.Context(), settings.Storage.Driver, settings.Storage.DSN)
			if err != nil {
				return err
			}
			defer src.Close()

			cache := admission.NewBanListCache(src, admission.CacheConfig{FetchTimeout: settings.Storage.Timeout}, opts.logger)
			if err := cache.Refresh(cmd.Context()); err != nil {
				return err
			}
			snap := cache.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Banned Ips: [%s]\n", strings.Join(snap.Permanent.Sorted(), ", "))
			fmt.Fprintf(out, "TempBanned Ips: [%s]\n", strings.Join(snap.Temporary.Sorted(), ", "))
			return nil
		},
	}
}

func newInitDBCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the penalties, clients and groups tables in a SQLite store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.loadSettings()
			if err != nil {
				return err
			}
			switch settings.Storage.Driver {
			case "sqlite", "sqlite3":
			default:
				return errors.New("init-db only supports the sqlite driver")
			}
			src, err := store.NewSQLiteSource(settings.Storage.DSN)
			if err != nil {
				return err
			}
			defer src.Close()
			if err := src.InitSchema(cmd.Context()); err != nil {
				return err
			}
			opts.logger.Info().Str("dsn", settings.Storage.DSN).Msg("penalty tables ready")
			return nil
		},
	}
}

func newDecider(src store.BanRecordSource, settings *config.Settings, opts *options) *admission.Decider {
	cache := admission.NewBanListCache(src, admission.CacheConfig{
		FetchTimeout:       settings.Storage.Timeout,
		MinRefreshInterval: settings.Cache.MinRefreshInterval,
	}, opts.logger)
	return admission.NewDecider(cache, settings, opts.logger)
}
