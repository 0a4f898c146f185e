package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vrdb/questmeta/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "questmeta",
	Short: "Incremental metadata and artwork scraper for the Quest storefront.",
	Long: `questmeta keeps a versioned local dataset of storefront app listings:
metadata, version/changelog history and artwork. Each run fetches only what
changed since the last one and commits the result as flat JSON records plus a
content-addressed image store.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.questmeta.yaml)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".questmeta")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			home, _ := homedir.Dir()
			configPath := home + "/.questmeta.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Dataset and state locations.
	viper.SetDefault("dataset.path", "./data")
	viper.SetDefault("state.path", "questmeta.sqlite")

	// Storefront endpoints.
	viper.SetDefault("store.base_url", "https://www.meta.com/experiences")
	viper.SetDefault("store.sections", []string{"quest-all"})

	// Scrape tuning.
	viper.SetDefault("scrape.workers", 3)
	viper.SetDefault("scrape.image_workers", 4)
	viper.SetDefault("scrape.rate_per_second", 1.0)
	viper.SetDefault("scrape.page_timeout_seconds", 30)
	viper.SetDefault("scrape.exclusion_days", 7)
	viper.SetDefault("scrape.deadline_minutes", 0)
	viper.SetDefault("scrape.headless", true)

	// Error-log retention.
	viper.SetDefault("errors.retention_days", 7)

	// Id-mapping sheet. Credentials come from the environment, never the
	// config file.
	viper.SetDefault("mapping.spreadsheet_id", "")
	viper.SetDefault("mapping.range", "package_mapping!A:B")

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}
