package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevecastle/grabq/engine"
)

func newEngineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "engine",
		Short: "Show which yt-dlp executable grabq will run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := engine.Locate(a.cfg.Engine.Path)
			if err != nil {
				return fmt.Errorf("%w\ninstall yt-dlp or set engine.path", err)
			}
			version, err := engine.Version(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path:    %s\nversion: %s\n", path, version)
			return nil
		},
	}
}
