package cmd

import (
	"context"

	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:     "rm [path in store]",
	Aliases: []string{"delete"},
	Short:   "deletes a file or directory",
	Long: `deletes a file or directory. Content of the staging layer is removed,
content of sealed layers is hidden by tombstones written at the next seal`,
	Example: "layerstore rm docs/old",
	Args:    cobra.MinimumNArgs(1),
	Run:     doRm,
}

func doRm(cmd *cobra.Command, args []string) {
	withStore("cannot delete", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		for _, name := range args {
			if err := ls.Delete(ctx, name); err != nil {
				return err
			}
			logger.Info().Msgf("deleted '%s'", name)
		}
		return nil
	})
}
