package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/postbox"
	"pkt.systems/postbox/internal/ingest"
	"pkt.systems/postbox/internal/record"
)

func newSendCommand() *cobra.Command {
	var to string
	var fields []string
	var form string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one record straight to a running ingest receiver over UDP",
		Example: `
  postbox send --field username=alice --field message=hello
  postbox send --form 'username=bob&message=hi%20there' --to 127.0.0.1:5000
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := buildRecord(fields, form)
			if err != nil {
				return err
			}
			sender, err := ingest.DialUDP(to)
			if err != nil {
				return err
			}
			defer sender.Close()
			if err := sender.Send(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d field(s) to %s\n", len(rec), sender.Target())
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", postbox.DefaultIngestListen, "UDP address of the ingest receiver")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "record field as key=value (repeatable)")
	cmd.Flags().StringVar(&form, "form", "", "URL-encoded form body (key=value&key=value)")
	return cmd
}

func buildRecord(fields []string, form string) (record.Record, error) {
	rec := record.Record{}
	if form != "" {
		parsed, err := record.ParseForm([]byte(form))
		if err != nil {
			return nil, err
		}
		rec = parsed
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q must be key=value", field)
		}
		rec[key] = value
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("nothing to send: use --field or --form")
	}
	return rec, nil
}
