package cmd

import (
	"context"
	"fmt"

	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:     "ls [directory]",
	Aliases: []string{"list"},
	Short:   "lists the visible content of the store",
	Long:    "lists the visible children of a directory or, with --recursive, every visible path of the store",
	Example: "layerstore ls docs",
	Args:    cobra.MaximumNArgs(1),
	Run:     doLs,
}

func initLs() {
	lsCmd.Flags().BoolP("recursive", "r", false, "list all visible paths")
	lsCmd.Flags().BoolP("long", "l", false, "show type and layer of every item")
}

func doLs(cmd *cobra.Command, args []string) {
	recursive := getFlagBool(cmd, "recursive")
	long := getFlagBool(cmd, "long")
	withStore("cannot list", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		var items []layerstore.Item
		var err error
		switch {
		case recursive:
			items, err = ls.ListItems(ctx)
		case len(args) > 0:
			items, err = ls.ListDirectory(ctx, args[0])
		default:
			items, err = ls.ListDirectory(ctx, "")
		}
		if err != nil {
			return err
		}
		for _, item := range items {
			if long {
				fmt.Printf("%-9s %s %s\n", item.Type, item.LayerID, item.Path)
			} else {
				fmt.Println(item.Path)
			}
		}
		return nil
	})
}
