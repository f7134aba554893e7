// Package cli is the cobra command tree of the dfsrpc binary.
package cli

import (
	"fmt"
	"os"

	"dfs-rpc/config"
	"dfs-rpc/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var rootArgs struct {
	configPath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "dfsrpc",
	Short: "metadata RPC client engine and reference server",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&rootArgs.logLevel, "log-level", "", "override logging.level")
}

type Subcommand struct {
	Use             string
	Short           string
	Example         string
	NoRequireConfig bool
	Run             func(subcommand *Subcommand, args []string) error
	SetupFlags      func(f *pflag.FlagSet)

	config    *config.Config
	configErr error
	log       *zap.Logger
}

func (s *Subcommand) ConfigParsingError() error {
	return s.configErr
}

func (s *Subcommand) Config() *config.Config {
	if !s.NoRequireConfig && s.config == nil {
		panic("command that requires config is running and has no config set")
	}
	return s.config
}

// Logger is built from the logging section; before that it is a no-op logger.
func (s *Subcommand) Logger() *zap.Logger {
	if s.log == nil {
		return zap.NewNop()
	}
	return s.log
}

func (s *Subcommand) run(cmd *cobra.Command, args []string) {
	s.tryParseConfig()
	err := s.Run(s, args)
	s.Logger().Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func (s *Subcommand) tryParseConfig() {
	c, err := config.ParseConfig(rootArgs.configPath)
	s.configErr = err
	if err != nil {
		if s.NoRequireConfig {
			return
		}
		fmt.Fprintf(os.Stderr, "could not parse config: %s\n", err)
		os.Exit(1)
	}
	s.config = c
	if rootArgs.logLevel != "" {
		c.Logging.Level = rootArgs.logLevel
	}
	s.log, err = logging.New(c.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %s\n", err)
		os.Exit(1)
	}
}

func AddSubcommand(s *Subcommand) {
	cmd := cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
		Run:     s.run,
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	rootCmd.AddCommand(&cmd)
}

func Run() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
