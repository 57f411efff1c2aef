package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

var (
	listenConfig        string
	listenAutodiscovery bool
	listenRealtime      bool
	listenPolicy        string
	listenJSON          bool
	listenMaxDisplay    int
)

var listenCmd = &cobra.Command{
	Use:   "listen <wav>",
	Short: "Identify the audio in a WAV stream",
	Long: `Stream a WAV file through the session engine and print every session
outcome. With --autodiscovery a new session starts after each decision until
the stream ends; press Ctrl-C to stop the running session early.

Engine tuning is read from a YAML file:

  window_size: 64
  high_confidence: 0.9
  confidence_floor: 0.5
  evidence_floor: 3
  max_session_duration: 20s
  query_timeout: 2s
  query_retries: 3
  start_policy: reject`,
	Args: cobra.ExactArgs(1),
	RunE: runListen,
}

func init() {
	f := listenCmd.Flags()
	f.StringVarP(&listenConfig, "config", "c", "", "Engine configuration YAML file")
	f.BoolVarP(&listenAutodiscovery, "autodiscovery", "a", false, "Keep identifying until the stream ends")
	f.BoolVar(&listenRealtime, "realtime", false, "Pace the file at its real playback speed")
	f.StringVar(&listenPolicy, "policy", "", "Start policy while a session runs: reject or restart")
	f.BoolVar(&listenJSON, "json", false, "Print outcomes as JSON messages")
	f.IntVar(&listenMaxDisplay, "max", 10, "Maximum candidates printed per outcome")
}

func loadEngineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if listenConfig != "" {
		loaded, err := engine.LoadConfig(listenConfig)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if listenPolicy != "" {
		if err := cfg.StartPolicy.UnmarshalText([]byte(listenPolicy)); err != nil {
			return cfg, err
		}
	}
	cfg.Autodiscovery = cfg.Autodiscovery || listenAutodiscovery
	return cfg, cfg.Validate()
}

func runListen(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()
	path := args[0]

	cfg, err := loadEngineConfig()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	fmt.Println("\n🔧 Initializing service...")
	src := capture.NewWAVSource(path,
		capture.WithTargetRate(sampleRate),
		capture.WithRealtime(listenRealtime),
	)
	svc, err := createService(
		acousticdna.WithSource(src),
		acousticdna.WithEngineConfig(cfg),
	)
	if err != nil {
		fmt.Printf("❌ Failed to create service: %v\n", err)
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes := engine.NewChannelListener(cfg.OutcomeQueueSize)
	svc.Signal(outcomes)
	if err := svc.Start(context.Background()); err != nil {
		return err
	}
	if err := svc.StartSession(); err != nil {
		return err
	}

	fmt.Printf("🔍 Listening to %s...\n", path)
	log.Infof("Listening: autodiscovery=%v policy=%s window=%d", cfg.Autodiscovery, cfg.StartPolicy, cfg.WindowSize)

	interrupted := false
	done := ctx.Done()
	for {
		select {
		case <-done:
			interrupted, done = true, nil
			fmt.Println("\n⏹️  Stopping session...")
			if err := svc.StopSession(); err != nil {
				return err
			}
			if !svc.IsSessionRunning() {
				return nil
			}
		case o := <-outcomes.C():
			if err := printOutcome(o); err != nil {
				return err
			}
			if o.Err != nil {
				return o.Err
			}
			if finalOutcome(o, cfg.Autodiscovery) || interrupted {
				return nil
			}
		}
	}
}

// finalOutcome reports whether no further session follows o.
func finalOutcome(o engine.Outcome, autodiscovery bool) bool {
	if o.Result == nil || !autodiscovery {
		return true
	}
	switch o.Result.Reason {
	case models.ReasonStopped, models.ReasonStreamEnded:
		return true
	}
	return false
}

func printOutcome(o engine.Outcome) error {
	if listenJSON {
		data, err := acousticdna.EncodeOutcome(o)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if o.Err != nil {
		fmt.Printf("\n❌ Session failed (%s): %v\n", o.Err.Kind, o.Err)
		return nil
	}

	r := o.Result
	stamp := r.DecidedAt.Format(time.TimeOnly)
	if r.Kind == models.NoMatch {
		fmt.Printf("\n[%s] ❌ No match (%s)\n", stamp, r.Reason)
		return nil
	}

	fmt.Printf("\n[%s] ✅ %s: %d candidate(s) (%s)\n", stamp, r.Kind, len(r.Candidates), r.Reason)
	n := min(len(r.Candidates), listenMaxDisplay)
	for i, c := range r.Candidates[:n] {
		fmt.Printf("%d. \"%s\" by %s\n", i+1, c.Track.Title, c.Track.Artist)
		fmt.Printf("   Confidence: %.1f%% | Evidence: %d | Offset: %dms\n",
			c.Score*100, c.Evidence, c.OffsetMs)
	}
	if len(r.Candidates) > n {
		fmt.Printf("... and %d more candidates\n", len(r.Candidates)-n)
	}
	return nil
}
