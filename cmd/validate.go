package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/probe/internal/suite"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <suite.yaml>...",
		Short: "Check suite files without launching a browser",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, path := range args {
				s, err := suite.Load(path, a.cfg.Target.BaseURL)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "INVALID %s\n%v\n", path, err)
					errs = append(errs, err)
					continue
				}
				steps := 0
				for _, tc := range s.Tests {
					steps += len(tc.Steps)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok      %s (%s: %d tests, %d steps)\n", path, s.Name, len(s.Tests), steps)
			}
			if len(errs) > 0 {
				return invalid(errors.Join(errs...))
			}
			return nil
		},
	}
}
