package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"vibecarding/internal/models"
	"vibecarding/internal/tracker"
)

const usage = `usage: vibecard <command> [flags]

commands:
  create    submit a draft cohort and wait for the variations
  finalize  render the full card from a chosen draft
  resume    restore an interrupted session and catch up on pending jobs
  status    print the server-side status of one job
  recent    list recently finished cards
  reset     discard the local session and pending state

environment:
  VIBECARD_SERVER  API base URL (default http://localhost:8080)
  VIBECARD_HOME    local state directory (default ~/.vibecard)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	server := envOr("VIBECARD_SERVER", "http://localhost:8080")
	home := os.Getenv("VIBECARD_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			logger.Fatal().Err(err).Msg("resolve home directory")
		}
		home = filepath.Join(userHome, ".vibecard")
	}

	st, err := tracker.NewStore(home, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open state directory")
	}
	api := tracker.NewAPIClient(server)
	tr := tracker.New(st, api, wsURL(server), tracker.NewLogNotifier(logger), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cmdErr error
	switch os.Args[1] {
	case "create":
		cmdErr = runCreate(ctx, tr, os.Args[2:])
	case "finalize":
		cmdErr = runFinalize(ctx, tr, os.Args[2:])
	case "resume":
		cmdErr = runResume(ctx, tr)
	case "status":
		cmdErr = runStatus(ctx, api, os.Args[2:])
	case "recent":
		cmdErr = runRecent(st)
	case "reset":
		st.ClearAll()
		fmt.Println("local session cleared")
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if cmdErr != nil {
		logger.Fatal().Err(cmdErr).Str("command", os.Args[1]).Msg("command failed")
	}
}

func runCreate(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	cardType := fs.String("type", "", "card type (birthday, thankyou, holiday, ...)")
	to := fs.String("to", "", "recipient name")
	from := fs.String("from", "", "sender name")
	message := fs.String("message", "", "inside message")
	prompt := fs.String("prompt", "", "artwork prompt")
	style := fs.String("style", "", "art style (vintage, vibrant, minimal)")
	tone := fs.String("tone", "", "tone (funny, heartfelt, formal)")
	email := fs.String("email", "", "your email")
	photo := fs.String("photo", "", "reference photo URL")
	_ = fs.Parse(args)
	if *cardType == "" {
		return fmt.Errorf("create: -type is required")
	}

	form := models.CardForm{
		CardType: *cardType,
		To:       *to,
		From:     *from,
		Message:  *message,
		Prompt:   *prompt,
		Style:    *style,
		Tone:     *tone,
		Email:    *email,
		PhotoURL: *photo,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tr.Run(runCtx)

	jobIDs, err := tr.StartDrafts(ctx, form)
	if err != nil {
		return err
	}
	fmt.Printf("generating %d draft variations...\n", len(jobIDs))

	if err := waitIdle(ctx, tr); err != nil {
		return err
	}
	return printDrafts(tr)
}

func runFinalize(ctx context.Context, tr *tracker.Tracker, args []string) error {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	slot := fs.Int("slot", -1, "draft slot to finalize (0-4)")
	title := fs.String("title", "", "card title")
	_ = fs.Parse(args)
	if *slot < 0 || *slot >= models.DraftCohortSize {
		return fmt.Errorf("finalize: -slot must be 0 to %d", models.DraftCohortSize-1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tr.Run(runCtx)

	// Pick the draft back up from the stored session.
	if err := tr.CheckPendingJobs(ctx); err != nil {
		return err
	}
	if err := waitIdle(ctx, tr); err != nil {
		return err
	}

	var chosen *models.DraftCard
	for _, d := range tr.Drafts() {
		if d.Slot == *slot {
			draft := d
			chosen = &draft
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("finalize: no draft in slot %d; run create first", *slot)
	}

	jobID, err := tr.StartFinal(ctx, *chosen, *title)
	if err != nil {
		return err
	}
	fmt.Printf("rendering full card (job %s)...\n", jobID)

	if err := waitIdle(ctx, tr); err != nil {
		return err
	}
	card := tr.FinalCard()
	if card == nil {
		return fmt.Errorf("finalize: card did not finish; run resume to retry")
	}
	printCard(*card)
	return nil
}

func runResume(ctx context.Context, tr *tracker.Tracker) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tr.Run(runCtx)

	if err := tr.CheckPendingJobs(ctx); err != nil {
		return err
	}
	if tr.IsGenerating() {
		fmt.Println("generation still in flight, waiting...")
		if err := waitIdle(ctx, tr); err != nil {
			return err
		}
	}

	switch tr.Phase() {
	case tracker.PhaseFinalReady:
		if card := tr.FinalCard(); card != nil {
			printCard(*card)
		}
	case tracker.PhaseDraftsReady:
		return printDrafts(tr)
	default:
		wiz := tr.Wizard()
		fmt.Printf("nothing in flight; wizard at step %d\n", wiz.CurrentStep)
	}
	return nil
}

func runStatus(ctx context.Context, api *tracker.APIClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("status: job id required")
	}
	st, err := api.JobStatus(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s  %d%%", st.JobID, st.Status, st.Progress)
	if st.Message != "" {
		fmt.Printf("  %s", st.Message)
	}
	fmt.Println()
	if st.CardData != nil {
		printCard(*st.CardData)
	}
	if st.DraftCard != nil {
		fmt.Printf("  draft slot %d: %s\n", st.DraftCard.Slot, st.DraftCard.FrontCover)
	}
	return nil
}

func runRecent(st *tracker.Store) error {
	cards := st.RecentCards()
	if len(cards) == 0 {
		fmt.Println("no recent cards")
		return nil
	}
	for _, card := range cards {
		fmt.Printf("%s  %s  %s\n", card.CreatedAt.Format("2006-01-02 15:04"), card.Title, card.FrontCover)
	}
	return nil
}

func printDrafts(tr *tracker.Tracker) error {
	drafts := tr.Drafts()
	if len(drafts) == 0 {
		return fmt.Errorf("no drafts were produced")
	}
	fmt.Printf("%d draft variations ready:\n", len(drafts))
	for _, d := range drafts {
		fmt.Printf("  slot %d: %s\n", d.Slot, d.FrontCover)
	}
	fmt.Println("run `vibecard finalize -slot N` to render the full card")
	return nil
}

func printCard(card models.CardData) {
	if card.Title != "" {
		fmt.Printf("card: %s\n", card.Title)
	}
	fmt.Printf("  front: %s\n", card.FrontCover)
	if card.BackCover != "" {
		fmt.Printf("  back:  %s\n", card.BackCover)
	}
	if card.LeftPage != "" {
		fmt.Printf("  left:  %s\n", card.LeftPage)
	}
	if card.RightPage != "" {
		fmt.Printf("  right: %s\n", card.RightPage)
	}
}

// waitIdle blocks until nothing is generating or the context ends.
func waitIdle(ctx context.Context, tr *tracker.Tracker) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !tr.IsGenerating() {
				return nil
			}
		}
	}
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	default:
		return "ws://" + server + "/ws"
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
