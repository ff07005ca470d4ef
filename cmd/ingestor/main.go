package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	root := &cobra.Command{
		Use:           "ingestor",
		Short:         "Polls GTFS-realtime feeds into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPoll,
	}
	registerPollFlags(root)
	root.AddCommand(newRefreshStaticCmd(), newArchiveCmd())

	if err := root.Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}
