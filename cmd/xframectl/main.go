package main

import (
	"fmt"
	"os"

	"github.com/danmuck/xframe/internal/config"
	"github.com/danmuck/xframe/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xframectl",
	Short: "Serve and call xframe methods across a websocket or TCP channel",
	Long: `xframectl runs an xframe node that exposes a demo method table to
remote clients, and calls methods on such a node.

  xframectl serve            # start a node
  xframectl call ping        # invoke a method on a node
  xframectl config > x.toml  # print an example config`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xframectl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults when empty)")
}

// loadConfig reads --config when given and installs the logger it names.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logCfg.Level = lvl
	}
	logCfg.File = cfg.LogFile
	logging.ConfigureWith(logCfg)
	return cfg, nil
}
