package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage runner images",
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull every configured runner image that is missing locally",
	RunE:  runImagesPull,
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured runner images",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		exec, closeRuntime, err := newExecutor(cfg, log)
		if err != nil {
			return err
		}
		defer closeRuntime()
		for _, img := range exec.Images() {
			fmt.Println(img)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.AddCommand(imagesPullCmd, imagesListCmd)
}

func runImagesPull(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	exec, closeRuntime, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := exec.EnsureImages(ctx); err != nil {
		return err
	}
	for _, img := range exec.Images() {
		fmt.Printf("ready  %s\n", img)
	}
	return nil
}
