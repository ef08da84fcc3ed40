package main

import (
	"fmt"

	"github.com/opendiamond/adiskd/internal/config"
)

// ConfigCmd groups config-file inspection subcommands.
type ConfigCmd struct {
	Validate ConfigValidateCmd `cmd:"" help:"Load and validate a config file."`
	Show     ConfigShowCmd     `cmd:"" help:"Print the effective configuration."`
}

// ConfigValidateCmd loads a config file and reports any validation errors.
type ConfigValidateCmd struct {
	File string `arg:"" help:"Path to the YAML config file." type:"path"`
}

func (c *ConfigValidateCmd) Run() error {
	cfg, err := config.LoadConfig(c.File)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	errs := config.ValidateConfig(cfg)
	if len(errs) == 0 {
		fmt.Println("config is valid")
		return nil
	}

	for _, e := range errs {
		fmt.Println(" -", e)
	}
	return fmt.Errorf("%d validation error(s)", len(errs))
}

// ConfigShowCmd prints the effective config (file merged over defaults, or
// defaults alone when no file is given).
type ConfigShowCmd struct {
	File string `arg:"" optional:"" help:"Path to the YAML config file." type:"path"`
}

func (c *ConfigShowCmd) Run() error {
	cfg := config.DefaultConfig()
	if c.File != "" {
		loaded, err := config.LoadConfig(c.File)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	fmt.Printf("%+v\n", cfg)
	return nil
}
