package cmd

import (
	"os"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "next-tutor",
	Short:         "next-tutor: 学科辅导 AI 会话服务",
	Long:          "Study and homework-correction chat backed by an OpenAI-compatible model.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "config file (yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
