package cmd

import (
	"context"
	"fmt"

	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/checksum"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{},
	Short:   "initializes an empty layer store",
	Long:    "creates the folder structure of a layer store below the root folder and opens the first staging layer",
	Example: "layerstore --root ./store init",
	Args:    cobra.NoArgs,
	Run:     doInit,
}

func initInit() {
	initCmd.Flags().String("compression", "", "compression of sealed containers (store|deflate|zstd|lz4|brotli)")
	initCmd.Flags().StringP("digest", "d", "", "digest of the container sidecar files")
}

func doInitConf(cmd *cobra.Command) {
	if str := getFlagString(cmd, "compression"); str != "" {
		conf.Archive.Compression = str
	}
	if str := getFlagString(cmd, "digest"); str != "" {
		conf.Archive.Digest = checksum.DigestAlgorithm(str)
	}
	if err := conf.Validate(); err != nil {
		_ = cmd.Help()
		cobra.CheckErr(err)
	}
}

func doInit(cmd *cobra.Command, args []string) {
	doInitConf(cmd)
	withStore("cannot initialize store", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		staging := ls.StagingLayer()
		logger.Info().Msgf("initialized '%s'", ls.Root())
		fmt.Printf("layer store '%s' ready, staging layer %s\n", ls.Root(), staging.ID)
		return nil
	})
}
