package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/postbox"
	"pkt.systems/postbox/internal/store"
	"pkt.systems/postbox/web"
)

func newInitCommand(logger pslog.Logger) *cobra.Command {
	var overwrite bool
	var skipPages bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Install the default pages into --root and create an empty submission document",
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
			out := cmd.OutOrStdout()
			if !skipPages {
				written, err := web.Install(cfg.Root, overwrite)
				if err != nil {
					return err
				}
				for _, name := range written {
					fmt.Fprintf(out, "wrote %s\n", name)
				}
			}

			backend, err := postbox.OpenBackend(cfg, logger)
			if err != nil {
				return err
			}
			st := store.New(backend, store.WithLogger(logger))
			defer st.Close()
			created, err := st.Init(cmd.Context())
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "created %s\n", st.Location())
			} else {
				fmt.Fprintf(out, "kept existing %s\n", st.Location())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace pages that already exist in --root")
	cmd.Flags().BoolVar(&skipPages, "no-pages", false, "only create the submission document")
	return cmd
}
