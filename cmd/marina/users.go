package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/marina/internal/appconfig"
	"pkt.systems/marina/internal/auth"
	"pkt.systems/pslog"
)

func newUsersCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage development API users",
	}
	cmd.AddCommand(newUsersListCmd(flags))
	cmd.AddCommand(newUsersAddCmd(flags))
	cmd.AddCommand(newUsersDeleteCmd(flags))
	cmd.AddCommand(newUsersCodeCmd(flags))
	return cmd
}

func openUserStore(cmd *cobra.Command, flags *rootFlags) (*auth.Store, error) {
	cfg, err := appconfig.Load(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	period := time.Duration(cfg.Server.OTPPeriodSeconds) * time.Second
	return auth.NewStoreWithLogger(cfg.Server.UserFile, period, pslog.Ctx(cmd.Context()))
}

func newUsersListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openUserStore(cmd, flags)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tPHONE")
			for _, user := range store.LoadUsers() {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", user.ID, user.Email, user.Name, user.Phone)
			}
			return tw.Flush()
		},
	}
}

func newUsersAddCmd(flags *rootFlags) *cobra.Command {
	var name, phone string
	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openUserStore(cmd, flags)
			if err != nil {
				return err
			}
			user, err := store.AddUser(auth.User{Email: args[0], Name: name, Phone: phone})
			if err != nil {
				return err
			}
			printUserEnrollment(cmd.OutOrStdout(), user)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	return cmd
}

func newUsersDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <email>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openUserStore(cmd, flags)
			if err != nil {
				return err
			}
			if err := store.DeleteUser(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted user: %s\n", args[0])
			return nil
		},
	}
}

func newUsersCodeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "code <email>",
		Short: "Print the one-time code currently valid for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openUserStore(cmd, flags)
			if err != nil {
				return err
			}
			code, err := store.IssueCode(args[0], time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
}

func printUserEnrollment(out io.Writer, user auth.User) {
	_, _ = fmt.Fprintf(out, "id: %d\n", user.ID)
	_, _ = fmt.Fprintf(out, "email: %s\n", user.Email)
	if user.Name != "" {
		_, _ = fmt.Fprintf(out, "name: %s\n", user.Name)
	}
	if user.Phone != "" {
		_, _ = fmt.Fprintf(out, "phone: %s\n", user.Phone)
	}
	_, _ = fmt.Fprintf(out, "totp secret: %s\n", user.TOTPSecret)
}
