// Package app holds the boshd command tree.
package app

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the boshd command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "boshd",
		Short: "BOSH (XEP-0124/XEP-0206) connection manager",
		Long: `boshd accepts BOSH sessions over HTTP and multiplexes their streams onto a
connector. The bundled connector echoes stanzas back, which is useful for
exercising clients without an XMPP server.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}
