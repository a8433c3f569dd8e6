// cmd_serve.go - Dashboard-Server Command
// Hauptfunktionen: RunServer
package cmd

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/track"
)

// RunServer - Startet das Ursa-Dashboard
func RunServer(cmd *cobra.Command, _ []string) error {
	st, err := track.Open(envconfig.Models())
	if err != nil {
		return err
	}
	defer st.Close()

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return track.Serve(ctx, st, ln)
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the run dashboard",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}
