package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"BioMod/internal/attestation"
	"BioMod/internal/config"
	"BioMod/internal/logger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootCommand runs a node; keygen is a subcommand.
func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "biomod-node",
		Short:         "Runs a sequence validation node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runFunc,
	}
	config.AddFlags(c.Flags())

	c.AddCommand(keygenCommand())

	return c
}

func runFunc(c *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.Flags())
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	priv, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, priv)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, priv)

	return node.Run()
}

// keygenCommand writes a fresh identity key and prints the derived keys.
func keygenCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generates a node identity key",
		RunE: func(c *cobra.Command, _ []string) error {
			path, _ := c.Flags().GetString("key")
			if path == "" {
				return fmt.Errorf("--key is required")
			}

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			priv, err := generateAndSaveKey(path)
			if err != nil {
				return err
			}

			key, err := attestation.DeriveFromED25519(priv)
			if err != nil {
				return err
			}

			bls := key.PublicKey()
			fmt.Fprintf(c.OutOrStdout(), "id:  %s\nbls: %s\n",
				hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
				hex.EncodeToString(bls[:]),
			)

			return nil
		},
	}
	c.Flags().String("key", "", "Path of the key file to create")

	return c
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *config.Config, priv ed25519.PrivateKey) {
	pubKey := priv.Public().(ed25519.PublicKey)

	logger.Info("starting biomod node",
		"id", hex.EncodeToString(pubKey),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"transport", cfg.Transport,
		"advertise", cfg.AdvertiseAddress(),
		"data", cfg.DataPath,
		"threshold", cfg.Consensus.Threshold,
	)
}
