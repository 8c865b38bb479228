// Package cli implements replayctl, the operator command line for the tasker admin API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"replaytasker/internal/config"
)

var stdout io.Writer = os.Stdout

// Run executes one replayctl command.
func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "enqueue":
		return runEnqueue(args[1:])
	case "show":
		return runShow(args[1:])
	case "list":
		return runList(args[1:])
	case "requeue":
		return runRequeue(args[1:])
	case "priority":
		return runPriority(args[1:])
	case "delete":
		return runDelete(args[1:])
	case "stats":
		return runStats(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Fprintln(stdout, "replayctl: operator tool for the replay tasker")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Commands:")
	fmt.Fprintln(stdout, "  enqueue   add a replay job (--id, --p1, --p2, --game, --priority)")
	fmt.Fprintln(stdout, "  show      show one job with its description and worker")
	fmt.Fprintln(stdout, "  list      list a view: failed, broken, pending, queued, finished, player, unprocessed")
	fmt.Fprintln(stdout, "  requeue   return a job to the queue, keeping its fail count")
	fmt.Fprintln(stdout, "  priority  set (or --off clear) the player-requested flag")
	fmt.Fprintln(stdout, "  delete    remove a job and everything attached to it")
	fmt.Fprintln(stdout, "  stats     aggregate counts and live workers")
	fmt.Fprintln(stdout, "  watch     live dashboard (q quits, r refreshes)")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Environment:")
	fmt.Fprintln(stdout, "  REPLAYCTL_URL      admin API base URL (default http://localhost:8080)")
	fmt.Fprintln(stdout, "  REPLAYCTL_API_KEY  bearer token")
}

func defaultURL() string {
	return config.GetEnv("REPLAYCTL_URL", "http://localhost:8080")
}

func defaultAPIKey() string {
	return config.GetEnv("REPLAYCTL_API_KEY", "")
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdinIsTTY() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
