package cmd

import (
	"context"

	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var mkdirCmd = &cobra.Command{
	Use:     "mkdir [path in store]",
	Short:   "creates a directory in the staging layer",
	Example: "layerstore mkdir docs/images",
	Args:    cobra.ExactArgs(1),
	Run:     doMkdir,
}

func doMkdir(cmd *cobra.Command, args []string) {
	withStore("cannot create directory", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		if err := ls.CreateDirectory(ctx, args[0]); err != nil {
			return err
		}
		logger.Info().Msgf("created directory '%s'", args[0])
		return nil
	})
}
