package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"replaytasker/internal/job"
	"replaytasker/internal/replay"
)

const commandTimeout = 30 * time.Second

type commonFlags struct {
	url     *string
	apiKey  *string
	jsonOut *bool
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, commonFlags{
		url:     fs.String("url", defaultURL(), "admin API base URL"),
		apiKey:  fs.String("api-key", defaultAPIKey(), "admin API bearer token"),
		jsonOut: fs.Bool("json", false, "print JSON output"),
	}
}

func (c commonFlags) client() *Client {
	return NewClient(strings.TrimSpace(*c.url), strings.TrimSpace(*c.apiKey))
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

// jobArg parses the flags and returns the single positional job id.
func jobArg(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", fmt.Errorf("%s requires exactly one job id", fs.Name())
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func runEnqueue(args []string) error {
	fs, common := newFlagSet("enqueue")
	id := fs.String("id", "", "replay id (required)")
	p1 := fs.String("p1", "", "player one")
	p2 := fs.String("p2", "", "player two")
	p1Loc := fs.String("p1-loc", "", "player one country code")
	p2Loc := fs.String("p2-loc", "", "player two country code")
	p1Rank := fs.Int("p1-rank", 0, "player one rank (0..6)")
	p2Rank := fs.Int("p2-rank", 0, "player two rank (0..6)")
	game := fs.String("game", "", "game rom name")
	emulator := fs.String("emulator", "", "emulator")
	length := fs.Int("length", 0, "replay length in seconds")
	date := fs.String("date", "", "replay date (RFC3339)")
	priority := fs.Bool("priority", false, "mark as player requested")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	req := &job.Request{
		ID:              strings.TrimSpace(*id),
		PlayerRequested: *priority,
		Match: replay.Match{
			P1: *p1, P2: *p2, P1Loc: *p1Loc, P2Loc: *p2Loc, P1Rank: *p1Rank, P2Rank: *p2Rank,
			Game: *game, Emulator: *emulator, Length: *length,
		},
	}
	if *date != "" {
		t, err := time.Parse(time.RFC3339, *date)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		req.Match.DateReplay = t
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := common.client().Enqueue(ctx, req)
	if err != nil {
		return err
	}
	if *common.jsonOut {
		return printJSON(resp)
	}
	fmt.Fprintf(stdout, "enqueued %s (%s)\n", resp.ID, resp.Status)
	return nil
}

func runShow(args []string) error {
	fs, common := newFlagSet("show")
	id, err := jobArg(fs, args)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout()
	defer cancel()
	detail, err := common.client().Get(ctx, id)
	if err != nil {
		return err
	}
	if *common.jsonOut {
		return printJSON(detail)
	}

	m := detail.Match
	fmt.Fprintf(stdout, "id: %s\n", detail.ID)
	fmt.Fprintf(stdout, "status: %s\n", detail.Status)
	fmt.Fprintf(stdout, "failed: %t (fail_count=%d)\n", detail.Failed, detail.FailCount)
	fmt.Fprintf(stdout, "created: %t\n", detail.Created)
	fmt.Fprintf(stdout, "player_requested: %t\n", detail.PlayerRequested)
	fmt.Fprintf(stdout, "match: %s (%s) vs %s (%s) on %s\n", m.P1, m.P1Loc, m.P2, m.P2Loc, m.Game)
	if detail.ArchiveFilename != "" {
		fmt.Fprintf(stdout, "archive: %s\n", detail.ArchiveFilename)
	}
	if detail.YouTubeID != "" {
		fmt.Fprintf(stdout, "youtube: %s\n", detail.YouTubeID)
	}
	if detail.Worker != nil {
		fmt.Fprintf(stdout, "worker: %s (since %s)\n", detail.Worker.InstanceID, detail.Worker.StartedAt.Format(time.RFC3339))
	}
	if detail.Description != "" {
		fmt.Fprintln(stdout, "description:")
		for _, line := range strings.Split(detail.Description, "\n") {
			fmt.Fprintf(stdout, "  %s\n", line)
		}
	}
	return nil
}

func runList(args []string) error {
	fs, common := newFlagSet("list")
	view := fs.String("view", "queued", "view name")
	limit := fs.Int("limit", 10, "maximum number of jobs (1..1000)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := common.client().List(ctx, *view, *limit)
	if err != nil {
		return err
	}
	if *common.jsonOut {
		return printJSON(resp)
	}
	if len(resp.Jobs) == 0 {
		fmt.Fprintf(stdout, "no jobs in view %s\n", resp.View)
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFAILS\tPRIORITY\tGAME\tADDED")
	for _, j := range resp.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\t%s\n",
			j.ID, j.Status, j.FailCount, j.PlayerRequested, j.Match.Game, j.DateAdded.Format(time.DateTime))
	}
	return tw.Flush()
}

func runRequeue(args []string) error {
	fs, common := newFlagSet("requeue")
	id, err := jobArg(fs, args)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	if err := common.client().Requeue(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "requeued %s\n", id)
	return nil
}

func runPriority(args []string) error {
	fs, common := newFlagSet("priority")
	off := fs.Bool("off", false, "clear the flag instead of setting it")
	id, err := jobArg(fs, args)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	if err := common.client().Prioritize(ctx, id, !*off); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "player_requested=%t for %s\n", !*off, id)
	return nil
}

func runDelete(args []string) error {
	fs, common := newFlagSet("delete")
	yes := fs.Bool("yes", false, "skip confirmation")
	id, err := jobArg(fs, args)
	if err != nil {
		return err
	}
	if !*yes {
		if !stdinIsTTY() {
			return errors.New("confirmation required (rerun with --yes in non-interactive mode)")
		}
		fmt.Fprintf(stdout, "delete %s and its description, annotations and active record? [y/N]: ", id)
		var answer string
		fmt.Scanln(&answer)
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return errors.New("aborted")
		}
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := common.client().Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %s\n", id)
	return nil
}

func runStats(args []string) error {
	fs, common := newFlagSet("stats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	stats, err := common.client().Stats(ctx)
	if err != nil {
		return err
	}
	if *common.jsonOut {
		return printJSON(stats)
	}

	fmt.Fprintf(stdout, "all: %d\n", stats.All)
	fmt.Fprintf(stdout, "pending: %d\n", stats.Pending)
	fmt.Fprintf(stdout, "finished: %d\n", stats.Finished)
	fmt.Fprintf(stdout, "failed: %d\n", stats.Failed)
	fmt.Fprintf(stdout, "broken: %d\n", stats.Broken)
	fmt.Fprintf(stdout, "active: %d\n", stats.Active)
	fmt.Fprintf(stdout, "workers: %d/%d\n", stats.Workers, stats.MaxInstances)
	return nil
}
