package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// envPrefix namespaces environment overrides, e.g. MOCKPROXY_ADDR.
const envPrefix = "MOCKPROXY"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mockproxy",
		Short: "mockproxy is an intercepting HTTP and HTTPS proxy for tests",
		Long: `mockproxy sits between a client and the network. Requests matching a rule
get a canned or computed response; everything else is refused or passed
through to the real destination, optionally from a chosen local address.

HTTPS is intercepted with certificates issued by a local root CA.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newStartCommand(),
		newCACommand(),
		newEnvCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newViper returns a viper instance bound to cmd's flags and to MOCKPROXY_*
// variables, with dashes in flag names mapped to underscores.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	return v, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "mockproxy %s (commit %s, built %s)\n", Version, Commit, BuildDate)
}
