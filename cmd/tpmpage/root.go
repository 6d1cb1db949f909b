package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tpmgate/internal/page"
	"tpmgate/internal/roles"
)

type app struct {
	v   *viper.Viper
	in  io.Reader
	out io.Writer

	log     *zap.Logger
	table   *roles.Table
	gateway *page.Gateway
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), in: in, out: out}

	root := &cobra.Command{
		Use:          "tpmpage",
		Short:        "TPM page context for terminals and kiosk stations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	f := root.PersistentFlags()
	f.String("config", "", "config file")
	f.String("gateway", "http://localhost:8082", "tpmgate base URL")
	f.String("base-path", "/", "path the app is served under")
	f.String("storage", "./data/tpmpage", "directory for station storage")
	f.String("log-level", "warn", "log level")
	_ = a.v.BindPFlags(f)

	a.v.SetEnvPrefix("TPMPAGE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.listenCmd(),
		a.notifyCmd(),
		a.consentCmd(),
		a.checkUpdateCmd(),
		a.skipWaitingCmd(),
		a.unreadCmd(),
	)
	return root
}

func (a *app) init() error {
	if p := a.v.GetString("config"); p != "" {
		a.v.SetConfigFile(p)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	lvl, err := zap.ParseAtomicLevel(a.v.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	if a.log, err = cfg.Build(); err != nil {
		return err
	}

	a.table = roles.DefaultTable(a.v.GetString("base-path"))
	a.gateway = page.NewGateway(a.v.GetString("gateway"), a.table, nil, a.log.Named("gateway"))
	return nil
}

// role reads --role of cmd, falling back to TPMPAGE_ROLE or the config file.
func (a *app) role(cmd *cobra.Command) (roles.Role, error) {
	if err := a.v.BindPFlag("role", cmd.Flags().Lookup("role")); err != nil {
		return "", err
	}
	r := a.v.GetString("role")
	if r == "" {
		return "", fmt.Errorf("--role is required")
	}
	return a.table.Parse(r)
}

// openStorage opens one station store. The permission store and the unread
// store of each role are separate so a listener does not lock out notify.
func (a *app) openStorage(name string) (*page.LevelStorage, error) {
	p := filepath.Join(a.v.GetString("storage"), name)
	st, err := page.OpenLevelStorage(p)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", p, err)
	}
	return st, nil
}

func addRoleFlag(cmd *cobra.Command) {
	cmd.Flags().String("role", "", "role of this page (manager, supervisor, operator, warehouse)")
}
