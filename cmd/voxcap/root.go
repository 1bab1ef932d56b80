package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "voxcap",
		Short:         "Record voice-activity-segmented audio to WAV files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to the YAML configuration file (defaults apply when empty)")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, ".env files to read secrets from; missing files are skipped")

	root.AddCommand(
		newRecordCmd(g),
		newInspectCmd(),
		newRecordingsCmd(g),
	)
	return root
}

// loadConfig reads the config file (or defaults), overlays secrets from the
// environment, and validates the result.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(g.configPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found", g.configPath)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := config.LoadEnv(cfg, g.envFiles...); err != nil {
		return nil, err
	}
	return cfg, nil
}
