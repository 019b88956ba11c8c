// Package cli holds the flags, help styling and error reporting shared by the
// paramhub commands.
package cli

import (
	"os"

	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CommandOptions holds common options for paramhub commands
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a new command with the standard flags
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	AddStandardFlags(cmd.PersistentFlags())
	SetStyledHelp(cmd)

	return cmd
}

// AddStandardFlags registers --verbose, --json and --config on fs.
func AddStandardFlags(fs *pflag.FlagSet) {
	fs.BoolP("verbose", "v", false, "Enable verbose logging")
	fs.Bool("json", false, "Output in JSON format")
	fs.StringP("config", "c", "", "Path to paramhub.yml config file")
}

// GetLogger returns the CLI logger with --verbose and --json applied
func GetLogger(cmd *cobra.Command) *logrus.Entry {
	entry := logging.NewLogger("paramhub-cli")

	opts := GetOptions(cmd)
	if opts.Verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}
	if opts.JSONOutput {
		entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return entry
}

// GetOptions extracts common options from a command
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// LoadConfig loads the file named by --config, or searches upward from the
// working directory. Without a file the defaults apply.
func LoadConfig(opts CommandOptions, logger *logrus.Logger) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.Load(opts.ConfigFile)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.LoadFromWithLogger(cwd, logger)
}
