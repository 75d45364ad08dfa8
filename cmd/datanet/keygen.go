package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"datanet/pkg/security"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 node key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				out = cfg.KeyPath()
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("key file %s already exists (use --force to overwrite)", out)
			}

			kp, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := security.SaveKeyPair(out, kp); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, titleStyle.Render("Generated node key"))
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Key file"), valueStyle.Render(out))
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Public key"), valueStyle.Render(hex.EncodeToString(kp.PublicKeyBytes())))
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Key hash"), mutedStyle.Render(kp.PublicKeyHash().String()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "key file to write (default: the configured key path)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
