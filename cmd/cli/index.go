package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/audio"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
)

var (
	indexTitle   string
	indexArtist  string
	indexWorkers int
)

var indexCmd = &cobra.Command{
	Use:   "index <file|dir>",
	Short: "Fingerprint audio files into the datastore",
	Long: `Fingerprint a single audio file, or every audio file under a directory,
and store the result as reference tracks. The datastore is created when the
directory holds none.

For a directory, titles and artists come from ffprobe tags or from file
names of the form "Artist - Title".`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexTitle, "title", "", "Track title (single file only)")
	indexCmd.Flags().StringVar(&indexArtist, "artist", "", "Artist name (single file only)")
	indexCmd.Flags().IntVarP(&indexWorkers, "workers", "w", 0, "Files fingerprinted in parallel (default: number of CPUs)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()
	path := args[0]

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	fmt.Println("\n🔧 Initializing service...")
	svc, err := createService(acousticdna.WithCreate(true))
	if err != nil {
		fmt.Printf("❌ Failed to create service: %v\n", err)
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	if info.IsDir() {
		return indexDir(ctx, svc, path)
	}

	title, artist := indexTitle, indexArtist
	if title == "" || artist == "" {
		guessTitle, guessArtist := audio.TrackInfo(ctx, path)
		if title == "" {
			title = guessTitle
		}
		if artist == "" {
			artist = guessArtist
		}
	}

	log.Infof("Adding track: '%s' by '%s' from file: %s", title, artist, path)
	fmt.Println("🎵 Processing audio file...")
	fmt.Printf("   %s, this may take a few moments for large files\n", humanize.Bytes(uint64(info.Size())))

	id, err := svc.AddTrack(ctx, path, title, artist)
	if err != nil {
		fmt.Printf("\n❌ Failed to add track: %v\n", err)
		return err
	}
	count, _ := svc.FingerprintCount(id)

	fmt.Println("\n✅ Successfully added track to datastore!")
	fmt.Printf("   ID:      %s\n", id)
	fmt.Printf("   Title:   %s\n", title)
	fmt.Printf("   Artist:  %s\n", artist)
	fmt.Printf("   Hashes:  %s\n", humanize.Comma(int64(count)))
	return nil
}

func indexDir(ctx context.Context, svc *acousticdna.RecognitionService, dir string) error {
	fmt.Printf("🎵 Indexing %s...\n", dir)
	started := time.Now()

	report, err := svc.IndexDir(ctx, dir, indexWorkers)
	if err != nil && report == nil {
		fmt.Printf("\n❌ Failed to index directory: %v\n", err)
		return err
	}

	added := make([]string, 0, len(report.Added))
	for path := range report.Added {
		added = append(added, path)
	}
	sort.Strings(added)
	for _, path := range added {
		fmt.Printf("   ✅ %s (%s)\n", path, report.Added[path])
	}
	failed := make([]string, 0, len(report.Failed))
	for path := range report.Failed {
		failed = append(failed, path)
	}
	sort.Strings(failed)
	for _, path := range failed {
		fmt.Printf("   ❌ %s: %v\n", path, report.Failed[path])
	}

	fmt.Printf("\n📊 %s added, %s failed in %s\n",
		humanize.Comma(int64(len(report.Added))),
		humanize.Comma(int64(len(report.Failed))),
		time.Since(started).Round(time.Millisecond))
	return err
}
