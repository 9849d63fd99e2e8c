package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/geocode-proxy/internal/proxy"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <location>",
	Short: "Geocode one location through the configured backends and print the response body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, err := newCascade(cfg, nil)
		if err != nil {
			return err
		}

		res := cascade.Locate(cmd.Context(), args[0])
		body, _, err := proxy.RenderBody(res)
		if err != nil {
			return eris.Wrap(err, "lookup: render")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))

		if !res.OK() {
			return eris.Errorf("lookup: %s", res.Err.Kind)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}
