package cli

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print shell exports that route traffic through a proxy",
		Long: `Print shell exports that route traffic through a proxy.

  eval "$(mockproxy env --addr 127.0.0.1:8080)"

With --ca-path, NODE_EXTRA_CA_CERTS is exported as well so Node.js
clients trust the interception root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			addr := v.GetString("addr")
			if addr == "" {
				return errors.New("--addr is required")
			}
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("invalid --addr: %w", err)
			}
			if host == "" || net.ParseIP(host).IsUnspecified() {
				host = "localhost"
			}
			return writeEnv(cmd.OutOrStdout(), v.GetString("shell"), "http://"+net.JoinHostPort(host, port), v.GetString("ca-path"))
		},
	}
	cmd.Flags().String("addr", "", "Proxy address, host:port")
	cmd.Flags().String("shell", "posix", "Output syntax: posix or fish")
	cmd.Flags().String("ca-path", "", "CA directory to export for Node.js")
	return cmd
}

func writeEnv(w io.Writer, shell, proxyURL, caPath string) error {
	type kv struct{ key, value string }
	vars := []kv{
		{"HTTP_PROXY", proxyURL},
		{"HTTPS_PROXY", proxyURL},
		{"http_proxy", proxyURL},
		{"https_proxy", proxyURL},
	}
	if caPath != "" {
		vars = append(vars, kv{"NODE_EXTRA_CA_CERTS", filepath.Join(caPath, "ca.crt")})
	}

	var format string
	switch shell {
	case "", "posix", "sh", "bash", "zsh":
		format = "export %s=%q\n"
	case "fish":
		format = "set -gx %s %q\n"
	default:
		return fmt.Errorf("unsupported shell %q", shell)
	}
	for _, v := range vars {
		if _, err := fmt.Fprintf(w, format, v.key, v.value); err != nil {
			return err
		}
	}
	return nil
}
