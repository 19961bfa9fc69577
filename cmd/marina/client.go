package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/marina"
	"pkt.systems/marina/internal/appconfig"
	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

// appFactory builds the client App; tests replace it to inject a transport.
var appFactory = func(cmd *cobra.Command, cfg appconfig.Config) (*marina.App, error) {
	return marina.NewApp(cmd.Context(), cfg, marina.WithLogger(pslog.Ctx(cmd.Context())))
}

func openApp(cmd *cobra.Command, flags *rootFlags) (*marina.App, error) {
	cfg, err := appconfig.Load(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	return appFactory(cmd, cfg)
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Reconcile the persisted session and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			snap, err := app.Status(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newLoginCmd(flags *rootFlags) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in with a one-time code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			email := args[0]
			if strings.TrimSpace(code) == "" {
				if err := app.RequestCode(cmd.Context(), email); err != nil {
					return err
				}
				code, err = promptLine(cmd.InOrStdin(), cmd.ErrOrStderr(), "Code: ")
				if err != nil {
					return err
				}
			}
			snap, err := app.Login(cmd.Context(), email, code)
			if err != nil {
				if errors.Is(err, schema.ErrSignInRejected) {
					printSnapshot(cmd.OutOrStdout(), snap)
				}
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "one-time code (skips requesting a new one)")
	return cmd
}

func newLogoutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			snap, err := app.Logout(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newRegisterCmd(flags *rootFlags) *cobra.Command {
	var name, phone string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Complete the signed-in profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" || strings.TrimSpace(phone) == "" {
				return errors.New("--name and --phone are required")
			}
			app, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			snap, err := app.Register(cmd.Context(), name, phone)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	return cmd
}

func promptLine(in io.Reader, out io.Writer, prompt string) (string, error) {
	_, _ = fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no code entered")
	}
	return line, nil
}

func printSnapshot(out io.Writer, snap schema.Snapshot) {
	_, _ = fmt.Fprintf(out, "status: %s\nphase: %s\n", snap.Status, snap.Phase)
	if p := snap.Record.Profile; p != nil {
		_, _ = fmt.Fprintf(out, "user: %s\n", p.Email)
		if p.Name != "" {
			_, _ = fmt.Fprintf(out, "name: %s\n", p.Name)
		}
		if !p.Complete() {
			_, _ = fmt.Fprintln(out, "registration: incomplete")
		}
	}
	if snap.Err != "" {
		_, _ = fmt.Fprintf(out, "error: %s\n", snap.Err)
	}
}
