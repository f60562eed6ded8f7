// Command boshd runs a standalone BOSH connection manager.
package main

import (
	"os"

	"github.com/ggoodman/bosh-server-go/cmd/boshd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
