package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pkgrank-crawler/internal/registry"
)

// newMetadataCmd creates the 'metadata' subcommand, which prints the
// registration index of one package.
func newMetadataCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata <package-id>",
		Short: "Show the registration metadata of a package",
		Long: `Resolves the registrations service from the registry's service index and
prints the package's registration pages, with any inlined versions, as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: runMetadataCommand,
	}
	cmd.Flags().String("index-url", "", "service index URL")
	mustBind(v, "api.index_url", cmd.Flags().Lookup("index-url"))
	return cmd
}

func runMetadataCommand(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	session, err := registry.NewSession(newHTTPFetcher(a.cfg), a.cfg.API.IndexURL, a.logger)
	if err != nil {
		return fmt.Errorf("build registry session: %w", err)
	}
	reg, err := session.Registration(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(reg); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
