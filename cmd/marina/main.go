package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

const defaultEnvFile = ".env"

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("marina command failed")
		return 1
	}
	return 0
}

type rootFlags struct {
	cfgPath string
	envFile string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "marina",
		Short:         "Marina booking client and development API",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(cmd, flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.cfgPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before config (default .env when present)")

	root.AddCommand(newUICmd(flags))
	root.AddCommand(newStatusCmd(flags))
	root.AddCommand(newLoginCmd(flags))
	root.AddCommand(newLogoutCmd(flags))
	root.AddCommand(newRegisterCmd(flags))
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newUsersCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newVersionCmd())

	return root
}

// loadEnvFile loads dotenv values without overriding the process environment.
// An explicit path must exist; the default one is optional.
func loadEnvFile(cmd *cobra.Command, path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	pslog.Ctx(cmd.Context()).Debug("env file loaded", "path", path)
	return nil
}
