package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ehrlich-b/opclaw/internal/auth"
	"github.com/ehrlich-b/opclaw/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func identityCmd() *cobra.Command {
	var resetFlag bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print this device's id and public key",
		Long:  "Prints the device identity the gateway pairs with, creating it on first use. --reset generates a new one, which must be paired again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			storage, _, closer, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			var id auth.DeviceIdentity
			if resetFlag {
				id = auth.ResetIdentity(storage)
				auth.NewTokenCache(storage).Clear()
			} else {
				id = auth.LoadOrCreateIdentity(storage)
			}
			fmt.Printf("device id:  %s\n", id.DeviceID)
			fmt.Printf("public key: %s\n", id.PublicKeyString())
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetFlag, "reset", false, "discard the current identity and device token")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or clear the cached device token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the cached device token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokenCache(func(c *auth.TokenCache) error {
				tok, ok := c.Load()
				if !ok {
					fmt.Println("no device token cached")
					return nil
				}
				fmt.Println(tok)
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Forget the cached device token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokenCache(func(c *auth.TokenCache) error {
				c.Clear()
				fmt.Println("device token cleared")
				return nil
			})
		},
	})
	return cmd
}

func withTokenCache(fn func(*auth.TokenCache) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	storage, _, closer, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(auth.NewTokenCache(storage))
}

func loginCmd() *cobra.Command {
	var urlFlag string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the gateway URL and token to the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if urlFlag != "" {
				cfg.Gateway.URL = urlFlag
			}
			if cfg.Gateway.URL == "" {
				u, err := prompt("gateway url: ", false)
				if err != nil {
					return err
				}
				cfg.Gateway.URL = u
			}
			tok, err := prompt("gateway token: ", true)
			if err != nil {
				return err
			}
			if tok == "" {
				return errors.New("empty token")
			}
			cfg.Gateway.Token = tok
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "gateway URL")
	return cmd
}

var stdin = bufio.NewReader(os.Stdin)

// prompt reads one line from stdin. Secrets are read without echo when stdin
// is a terminal.
func prompt(label string, secret bool) (string, error) {
	fmt.Fprint(os.Stderr, label)
	fd := int(os.Stdin.Fd())
	if secret && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}
