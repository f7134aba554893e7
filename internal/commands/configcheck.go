package commands

import (
	"os"

	"dfs-rpc/internal/cli"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

var configcheckArgs struct {
	quiet bool
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:             "configcheck",
	Short:           "check config file and print the effective configuration",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.BoolVar(&configcheckArgs.quiet, "quiet", false, "only report errors")
	},
	Run: func(s *cli.Subcommand, args []string) error {
		if err := s.ConfigParsingError(); err != nil {
			return errors.Wrap(err, "config parsing failed")
		}
		if configcheckArgs.quiet {
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s.Config())
	},
}
