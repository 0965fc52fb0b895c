package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/mockproxy/pkg/ca"
	"github.com/getmockd/mockproxy/pkg/cli/internal/output"
)

func newCACommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the root CA used for HTTPS interception",
	}
	cmd.PersistentFlags().String("ca-path", "", "Directory holding ca.crt and ca.key")
	cmd.AddCommand(newCAGenerateCommand(), newCAExportCommand(), newCAInfoCommand())
	return cmd
}

// caDir resolves --ca-path or $MOCKPROXY_CA_PATH.
func caDir(cmd *cobra.Command) (string, error) {
	v, err := newViper(cmd)
	if err != nil {
		return "", err
	}
	dir := v.GetString("ca-path")
	if dir == "" {
		return "", errors.New("--ca-path is required")
	}
	return dir, nil
}

func loadCA(cmd *cobra.Command) (*ca.Manager, error) {
	dir, err := caDir(cmd)
	if err != nil {
		return nil, err
	}
	m := ca.NewManagerInDir(dir)
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	return m, nil
}

func newCAGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new root CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := caDir(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			org, _ := cmd.Flags().GetString("organization")

			var opts []ca.Option
			if org != "" {
				opts = append(opts, ca.WithOrganization(org))
			}
			m := ca.NewManagerInDir(dir, opts...)
			if m.Exists() && !force {
				return fmt.Errorf("CA already exists in %s (use --force to replace it)", dir)
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating CA directory: %w", err)
			}
			if err := m.Generate(); err != nil {
				return fmt.Errorf("failed to generate CA: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "CA certificate generated:\n")
			fmt.Fprintf(w, "  Certificate: %s\n", m.CertPath())
			fmt.Fprintf(w, "  Private key: %s\n", m.KeyPath())
			fmt.Fprintln(w, "\nTo trust this CA on macOS:")
			fmt.Fprintf(w, "  sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", m.CertPath())
			fmt.Fprintln(w, "\nTo trust this CA on Linux (Ubuntu/Debian):")
			fmt.Fprintf(w, "  sudo cp %s /usr/local/share/ca-certificates/mockproxy-ca.crt\n", m.CertPath())
			fmt.Fprintln(w, "  sudo update-ca-certificates")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Replace an existing CA")
	cmd.Flags().String("organization", "", "Subject organization of the new root")
	return cmd
}

func newCAExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the CA certificate for trust installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadCA(cmd)
			if err != nil {
				return err
			}
			certPEM, err := m.CACertPEM()
			if err != nil {
				return fmt.Errorf("failed to export CA certificate: %w", err)
			}
			outPath, _ := cmd.Flags().GetString("output")
			if outPath == "" {
				_, err := cmd.OutOrStdout().Write(certPEM)
				return err
			}
			if err := os.WriteFile(outPath, certPEM, 0o644); err != nil {
				return fmt.Errorf("failed to write certificate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA certificate exported to: %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write the certificate here instead of stdout")
	return cmd
}

func newCAInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the CA fingerprint and expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadCA(cmd)
			if err != nil {
				return err
			}
			info, err := m.CertInfo()
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return output.JSON(cmd.OutOrStdout(), info)
			}
			tw := output.Table(cmd.OutOrStdout())
			fmt.Fprintf(tw, "Certificate:\t%s\n", m.CertPath())
			fmt.Fprintf(tw, "Organization:\t%s\n", info.Organization)
			fmt.Fprintf(tw, "Fingerprint:\t%s\n", info.Fingerprint)
			fmt.Fprintf(tw, "Expires:\t%s\n", info.NotAfter.Format(time.RFC3339))
			if err := tw.Flush(); err != nil {
				return err
			}
			if time.Until(info.NotAfter) < 30*24*time.Hour {
				output.Warn(cmd.ErrOrStderr(), "CA expires %s; run 'mockproxy ca generate --force'", info.NotAfter.Format(time.DateOnly))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}
