package main

import (
	"fmt"

	"github.com/danmuck/xframe/internal/config"
	"github.com/spf13/cobra"
)

var (
	configOut       string
	configOverwrite bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print or write an example config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configOut == "" {
			fmt.Fprint(cmd.OutOrStdout(), config.Template())
			return nil
		}
		return config.WriteTemplate(configOut, configOverwrite)
	},
}

func init() {
	configCmd.Flags().StringVarP(&configOut, "out", "o", "", "write the template to this path")
	configCmd.Flags().BoolVar(&configOverwrite, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(configCmd)
}
