package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"rexec/internal/catalog"
	"rexec/internal/util"
	"rexec/internal/vault"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [catalog.yaml]",
		Short: "Import hosts and templates from a catalog file",
		Long: `Import hosts and templates from a YAML catalog. Secrets are sealed with the vault key
before they are stored; values that are already sealed are kept as they are. Entries are
matched by name, so importing the same catalog again updates it in place.
Without an argument the catalog named in the config is used.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()

			path := a.cfg.Catalog
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				fail("No catalog given and none configured")
			}
			c, err := catalog.Load(path)
			if err != nil {
				fail("Failed to load catalog: %v", err)
			}
			for _, name := range c.MissingEnv {
				util.Default.Printf("⚠️  Variable ${%s} is not set\n", name)
			}
			sum, err := catalog.Import(context.Background(), c, a.db, a.vault)
			if err != nil {
				fail("Import failed: %v", err)
			}
			util.Default.Printf("✅ Hosts: %d created, %d updated\n", sum.HostsCreated, sum.HostsUpdated)
			util.Default.Printf("✅ Templates: %d created, %d updated\n", sum.TemplatesCreated, sum.TemplatesUpdated)
		},
	}
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the credential vault key and sealed values",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new random vault key",
		Run: func(cmd *cobra.Command, args []string) {
			key, err := vault.GenerateKey()
			if err != nil {
				fail("Failed to generate key: %v", err)
			}
			util.Default.Println(key)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt",
		Short: "Seal a secret for use in a catalog file",
		Long: `Read a secret from the terminal (without echo) or from stdin and print its sealed
form, which can be pasted into a catalog in place of the plaintext.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			v, err := loadVault(cfg)
			if err != nil {
				fail("%v", err)
			}
			secret, err := readSecret("Secret", os.Stdin)
			if err != nil {
				fail("Failed to read secret: %v", err)
			}
			if secret == "" {
				fail("Secret is empty")
			}
			env, err := v.Encrypt(secret)
			if err != nil {
				fail("Failed to seal secret: %v", err)
			}
			util.Default.Println(env)
		},
	})
	return cmd
}
