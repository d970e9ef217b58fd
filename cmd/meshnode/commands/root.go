// Package commands is the collaborator-facing CLI around the mesh engine.
// The engine itself takes no flags; everything here is host concern.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	name     string
	port     int
	dataDir  string
	logPath  string
	verbose  bool
	peerAddr []string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "meshnode",
		Short: "Infrastructure-less mesh messaging node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(home, ".meshnode")
			}
			return os.MkdirAll(dataDir, 0o700)
		},
	}

	root.PersistentFlags().StringVarP(&name, "name", "n", "", "display name (default hostname)")
	root.PersistentFlags().IntVarP(&port, "port", "p", 0, "TCP listen port (default 7332)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.meshnode)")
	root.PersistentFlags().StringVar(&logPath, "log-file", "", "structured log file (default stderr)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringArrayVar(&peerAddr, "peer", nil, "extra peer address to dial (host:port), repeatable")

	root.AddCommand(runCmd(), idCmd())
	return root.Execute()
}
