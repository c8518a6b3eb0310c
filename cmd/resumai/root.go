package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/joho/godotenv"
	"github.com/resumai/resumai/internal/config"
	"github.com/resumai/resumai/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const app = "resumai"

var (
	// Used for flags.
	cfgFile string
	v       *viper.Viper = config.NewViper()

	rootCmd = &cobra.Command{
		Use:          app,
		Short:        "resumai is a chat webhook that helps applicants build a resume and get it reviewed",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadDotEnv)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a YAML config file (optional; environment variables override it)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	mustBind("log.debug", "debug")
	mustBind("log.json", "json")
}

func mustBind(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		log.Fatalf("binding flag %s: %v", flag, err)
	}
}

// loadDotEnv reads .env into the process environment. A missing file is fine.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}
}

// loadConfig returns the validated configuration and a logger built from it.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	lg, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, lg, nil
}
