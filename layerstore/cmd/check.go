package cmd

import (
	"context"
	"fmt"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"validate"},
	Short:   "verifies all sealed containers against the index",
	Example: "layerstore check",
	Args:    cobra.NoArgs,
	Run:     doCheck,
}

func doCheck(cmd *cobra.Command, args []string) {
	withStore("check failed", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		t := startTimer()
		defer func() { logger.Info().Msgf("Duration: %s", t.String()) }()
		if err := ls.Check(ctx); err != nil {
			for _, e := range errors.GetErrors(err) {
				fmt.Printf("error: %v\n", e)
			}
			return err
		}
		fmt.Printf("%d sealed layers checked without errors\n", len(ls.Layers())-1)
		return nil
	})
}
