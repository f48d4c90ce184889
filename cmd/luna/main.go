package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "luna",
		Short: "WhatsApp funnel assistant gateway",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Run: func(*cobra.Command, []string) {
			runServe()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
