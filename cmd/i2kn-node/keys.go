package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/i2kn/i2kn-node/internal/config"
	"github.com/i2kn/i2kn-node/internal/identity"
	"github.com/i2kn/i2kn-node/internal/swarmkey"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize node configuration",
	Long: `Write a default configuration and create the node key and swarm key
files it points at, unless they already exist.`,
	RunE: runInit,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		encoded, err := id.Encode()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Peer ID: %s\n", id)
		fmt.Fprintln(cmd.OutOrStdout(), encoded)
		return nil
	},
}

var swarmkeyCmd = &cobra.Command{
	Use:   "swarmkey",
	Short: "Generate a private swarm key",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := swarmkey.Generate()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var force bool

func init() {
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	log.Infof("Configuration saved to %s", path)

	id, err := ensureIdentity(cfg.Identity.PrivateKeyFile)
	if err != nil {
		return err
	}
	log.Infof("Peer ID: %s", id)

	if err := ensureSwarmKey(cfg.Swarm.KeyFile); err != nil {
		return err
	}

	log.Info("Node initialized successfully")
	return nil
}

// ensureIdentity loads the key at path, creating it first if missing.
func ensureIdentity(path string) (*identity.Identity, error) {
	if id, err := identity.LoadFile(path); err == nil {
		log.Infof("Using existing node key %s", path)
		return id, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	encoded, err := id.Encode()
	if err != nil {
		return nil, err
	}
	if err := writeSecret(path, encoded); err != nil {
		return nil, fmt.Errorf("failed to save node key: %w", err)
	}
	log.Infof("Generated node key %s", path)
	return id, nil
}

// ensureSwarmKey creates a swarm key at path if none exists. Existing keys
// are left alone so that the node stays in its swarm.
func ensureSwarmKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Infof("Using existing swarm key %s", path)
		return nil
	}

	token, err := swarmkey.Generate()
	if err != nil {
		return err
	}
	if err := writeSecret(path, token); err != nil {
		return fmt.Errorf("failed to save swarm key: %w", err)
	}
	log.Infof("Generated swarm key %s; copy it to every node of the swarm", path)
	return nil
}

func writeSecret(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value+"\n"), 0600)
}
