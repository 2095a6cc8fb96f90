package main

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/postbox"
	"pkt.systems/postbox/internal/store"
)

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run postbox verification checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(logger))
	return cmd
}

func newVerifyStoreCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Check that the submission document exists and parses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg postbox.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			backend, err := postbox.OpenBackend(cfg, logger)
			if err != nil {
				return err
			}
			st := store.New(backend, store.WithLogger(logger))
			defer st.Close()

			out := cmd.OutOrStdout()
			entries, size, err := st.Len(cmd.Context())
			switch {
			case errors.Is(err, store.ErrMissingStore):
				fmt.Fprintf(out, "store %s: missing (run `postbox init`)\n", st.Location())
				return err
			case errors.Is(err, store.ErrCorruptStore):
				fmt.Fprintf(out, "store %s: corrupt\n", st.Location())
				return err
			case err != nil:
				return err
			}
			fmt.Fprintf(out, "store %s: ok\n", st.Location())
			fmt.Fprintf(out, "  entries: %d\n", entries)
			fmt.Fprintf(out, "  size:    %s\n", humanizeBytes(int64(size)))
			if dir := cfg.StorageDir(); dir != "" {
				usage, err := disk.UsageWithContext(cmd.Context(), dir)
				if err != nil {
					logger.Warn("verify.disk_usage.error", "path", dir, "error", err)
					return nil
				}
				fmt.Fprintf(out, "  volume:  %s free of %s (%.1f%% used)\n",
					humanizeBytes(int64(usage.Free)), humanizeBytes(int64(usage.Total)), usage.UsedPercent)
			}
			return nil
		},
	}
}
