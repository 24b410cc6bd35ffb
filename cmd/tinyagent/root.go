package main

import (
	"os"

	"github.com/spf13/cobra"

	"tiny-agent/internal/config"
	"tiny-agent/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

// cli 保存全局参数与加载后的配置。
type cli struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "tinyagent",
		Short:         "A lightweight agent runtime with pluggable tools and memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load()
		},
	}

	defaultPath := os.Getenv("TINYAGENT_CONFIG")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultPath, "config file (missing file means defaults)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging and step details")

	root.AddCommand(
		c.runCmd(),
		c.toolsCmd(),
		c.shellCmd(),
		c.serveCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("tinyagent " + version)
		},
	}
}
