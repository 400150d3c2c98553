package main

import (
	"io"
	"net/url"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/claims-adjudication/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(cmd.OutOrStdout(), cfg)
	},
}

const redacted = "********"

// writeConfig renders c as YAML, masking API keys and database passwords.
func writeConfig(w io.Writer, c *config.Config) error {
	out := *c
	if out.Scorer.Key != "" {
		out.Scorer.Key = redacted
	}
	if out.Weather.Key != "" {
		out.Weather.Key = redacted
	}
	if u, err := url.Parse(out.Store.DatabaseURL); err == nil && u.User != nil {
		out.Store.DatabaseURL = u.Redacted()
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return eris.Wrap(err, "config show: encode")
	}
	return eris.Wrap(enc.Close(), "config show: flush")
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
