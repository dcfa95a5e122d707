package cmd

import (
	"context"
	"fmt"

	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/checksum"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var sealCmd = &cobra.Command{
	Use:     "seal",
	Short:   "seals the staging layer into an immutable container",
	Long:    "packs the staging layer with its tombstones into a container, records its items in the index and opens a new staging layer",
	Example: "layerstore seal --compression zstd",
	Args:    cobra.NoArgs,
	Run:     doSeal,
}

func initSeal() {
	sealCmd.Flags().String("compression", "", "compression of the new container (store|deflate|zstd|lz4|brotli)")
	sealCmd.Flags().StringP("digest", "d", "", "digest of the container sidecar file")
}

func doSealConf(cmd *cobra.Command) {
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

func doSeal(cmd *cobra.Command, args []string) {
	doSealConf(cmd)
	withStore("cannot seal", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		t := startTimer()
		id, err := ls.Seal(ctx)
		if err != nil {
			return err
		}
		l, err := ls.Layer(id)
		if err != nil {
			return err
		}
		logger.Info().Msgf("sealed layer %s in %s", id, t.String())
		fmt.Printf("sealed layer %s into '%s'\n", id, l.Location())
		return nil
	})
}
