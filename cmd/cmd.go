// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "ursa",
		Short:         "Variational masked autoencoder trainer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	trainCmd := newTrainCmd()
	validateCmd := newValidateCmd()
	runsCmd := newRunsCmd()
	serveCmd := newServeCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{trainCmd, validateCmd, runsCmd, serveCmd} {
		switch cmd {
		case trainCmd, validateCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["URSA_MODELS"],
				envVars["URSA_DATASETS"],
				envVars["URSA_NUM_WORKERS"],
				envVars["URSA_NUM_THREADS"],
				envVars["URSA_CKPT_DTYPE"],
				envVars["URSA_NOPROGRESS"],
			})
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["URSA_DEBUG"],
				envVars["URSA_HOST"],
				envVars["URSA_MODELS"],
				envVars["URSA_ORIGINS"],
			})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["URSA_MODELS"]})
		}
	}

	rootCmd.AddCommand(
		trainCmd,
		validateCmd,
		runsCmd,
		serveCmd,
	)

	return rootCmd
}

// versionHandler - Zeigt die Version an
func versionHandler(_ *cobra.Command, _ []string) {
	fmt.Printf("ursa version is %s\n", version.Version)
}
