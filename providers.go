package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sessionbridge/internal/database"
)

var (
	providerName      string
	providerID        string
	providerToken     string
	providerBaseURL   string
	providerIsDefault bool
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show runtime installations and stored API configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUNTIME\tPATH\tVERSION")
			installations := app.ListInstallations()
			for _, name := range []string{"claude", "codex"} {
				found := installations[name]
				if len(found) == 0 {
					fmt.Fprintf(w, "%s\t(not found)\t\n", name)
				}
				for _, inst := range found {
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, inst.Path, inst.Version)
				}
			}
			w.Flush()

			configs, err := app.ListProviderAPIConfigs()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tBASE URL\tTOKEN\tDEFAULT")
			for _, c := range configs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", c.ID, c.Name, c.ProviderID, c.BaseURL, c.AuthToken, c.IsDefault)
			}
			return w.Flush()
		})
	},
}

var providersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store API credentials for a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			saved, err := app.SaveProviderAPIConfig(database.ProviderApiConfig{
				Name:       providerName,
				ProviderID: providerID,
				AuthToken:  providerToken,
				BaseURL:    providerBaseURL,
				IsDefault:  providerIsDefault,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", saved.Name, saved.ID)
			return nil
		})
	},
}

var providersRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Delete stored API credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			return app.DeleteProviderAPIConfig(args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersAddCmd, providersRemoveCmd)

	providersAddCmd.Flags().StringVar(&providerName, "name", "", "Display name")
	providersAddCmd.Flags().StringVar(&providerID, "provider", "claude", "Provider: claude, codex or claude-api")
	providersAddCmd.Flags().StringVar(&providerToken, "token", "", "API key or auth token")
	providersAddCmd.Flags().StringVar(&providerBaseURL, "base-url", "", "API base URL")
	providersAddCmd.Flags().BoolVar(&providerIsDefault, "default", true, "Use this config by default for the provider")
	providersAddCmd.MarkFlagRequired("name")
	providersAddCmd.MarkFlagRequired("token")
}
