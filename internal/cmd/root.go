package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/mesh/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "Self-organizing mesh node",
	Long: `meshnode runs one member of a self-organizing mesh: a Raft-replicated
command log, gossip-based membership with failure detection, and a
workload balancer that places tasks on the least busy capable node.

The same binary is a thin client for a running node's HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./mesh.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they apply without a config file
	config.SetDefaults(viper.GetViper())

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mesh")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/mesh")
	}

	viper.SetEnvPrefix("MESH")
	// MESH_RAFT_HEARTBEAT_INTERVAL_MS for raft.heartbeat_interval_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine
	_ = viper.ReadInConfig()
}
