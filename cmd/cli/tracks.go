package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed tracks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.GetLogger()

		svc, err := createService()
		if err != nil {
			fmt.Printf("❌ Failed to create service: %v\n", err)
			return err
		}
		defer svc.Close()

		tracks, err := svc.ListTracks()
		if err != nil {
			fmt.Printf("❌ Failed to list tracks: %v\n", err)
			return err
		}
		if len(tracks) == 0 {
			fmt.Println("\n📭 No tracks in datastore")
			log.Infof("No tracks in datastore")
			return nil
		}

		fmt.Printf("\n📚 %s track(s) in datastore:\n\n", humanize.Comma(int64(len(tracks))))
		for i, t := range tracks {
			fmt.Printf("%d. \"%s\" by %s\n", i+1, t.Title, t.Artist)
			fmt.Printf("   ID: %s | Length: %s", t.ID, (time.Duration(t.DurationMs) * time.Millisecond).Round(time.Second))
			if count, err := svc.FingerprintCount(t.ID); err == nil {
				fmt.Printf(" | Hashes: %s", humanize.Comma(int64(count)))
			}
			if !t.CreatedAt.IsZero() {
				fmt.Printf(" | Added %s", humanize.Time(t.CreatedAt))
			}
			fmt.Println()
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <track-id>",
	Short: "Delete a track and its fingerprints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.GetLogger()
		id := args[0]

		svc, err := createService()
		if err != nil {
			fmt.Printf("❌ Failed to create service: %v\n", err)
			return err
		}
		defer svc.Close()

		track, err := svc.GetTrack(id)
		if err != nil {
			fmt.Printf("❌ Track not found: %s\n", id)
			return err
		}
		if err := svc.DeleteTrack(id); err != nil {
			fmt.Printf("❌ Failed to delete track: %v\n", err)
			return err
		}

		fmt.Printf("\n🗑️  Deleted \"%s\" by %s\n", track.Title, track.Artist)
		log.Infof("Deleted track %s", id)
		return nil
	},
}
