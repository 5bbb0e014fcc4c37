package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rapportapp/rapport/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Show or create the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}
		c := config.DefaultConfig()
		if kind, _ := cmd.Flags().GetString("remote"); kind != "" {
			c.Remote.Kind = kind
		}
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			c.Remote.URL = url
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if err := config.Write(c, path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", renderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.Token != "" {
			shown.Remote.Token = "********"
		}
		if shown.Server.Token != "" {
			shown.Server.Token = "********"
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(&shown); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().String("remote", "", "remote kind (none, sqlite, http, dynamo)")
	configInitCmd.Flags().String("url", "", "server URL for the http remote")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
