package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/internal/config"
	"github.com/xkilldash9x/probe/internal/observability"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitInvalid = 2
)

// ErrTestsFailed is returned by run when at least one test did not pass.
var ErrTestsFailed = errors.New("one or more tests failed")

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func invalid(err error) error { return &ExitError{Code: ExitInvalid, Err: err} }

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailed
}

// app is the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree. Each call has its own viper
// instance so tests do not leak flags or config into each other.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:           "probe",
		Short:         "probe runs declarative UI test suites against a headless browser.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initializeConfig(); err != nil {
				return invalid(err)
			}
			// Flags are bound by the subcommands' PreRunE, which runs after
			// this hook, so the config is decoded again there.
			cfg, err := config.NewConfigFromViper(a.v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "probe"})
				return invalid(err)
			}
			a.cfg = cfg
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting probe", zap.String("version", Version))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./probe.yaml or ~/.probe/probe.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newRunCmd(a), newValidateCmd(a), newVersionCmd())
	return root
}

// Execute runs the command line with ctx, normally a signal-aware context.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// initializeConfig reads in the config file and PROBE_* environment variables.
func (a *app) initializeConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		if dir, err := homedir.Expand("~/.probe"); err == nil {
			a.v.AddConfigPath(dir)
		}
		a.v.SetConfigName("probe")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("PROBE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// reload decodes the configuration again after flags were bound.
func (a *app) reload() error {
	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		return invalid(err)
	}
	a.cfg = cfg
	return nil
}
