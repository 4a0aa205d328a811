package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/mailpilot/internal/config"
	"github.com/basket/mailpilot/internal/taskstore"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusStyles = map[taskstore.Status]lipgloss.Style{
		taskstore.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		taskstore.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		taskstore.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		taskstore.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func runTaskCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task", flag.ContinueOnError)
	var (
		list    = fs.Bool("list", false, "list recent tasks")
		pending = fs.Bool("pending", false, "list pending tasks")
		failed  = fs.Bool("failed", false, "list failed tasks")
		stats   = fs.Bool("stats", false, "show queue statistics")
		get     = fs.String("get", "", "show one task by id")
		retry   = fs.String("retry", "", "reset a failed task for another run")
		sender  = fs.String("sender", "", "list tasks from one sender address")
		limit   = fs.Int("limit", 20, "maximum rows to list")
		verbose = fs.Bool("verbose", false, "include error history in listings")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := taskstore.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	color := isatty.IsTerminal(os.Stdout.Fd())
	return runTask(ctx, store, os.Stdout, taskOptions{
		list:    *list,
		pending: *pending,
		failed:  *failed,
		stats:   *stats,
		get:     *get,
		retry:   *retry,
		sender:  *sender,
		limit:   *limit,
		verbose: *verbose,
		color:   color,
	})
}

type taskOptions struct {
	list    bool
	pending bool
	failed  bool
	stats   bool
	get     string
	retry   string
	sender  string
	limit   int
	verbose bool
	color   bool
}

func runTask(ctx context.Context, store *taskstore.Store, out io.Writer, opts taskOptions) int {
	switch {
	case opts.stats:
		return printStats(ctx, store, out, opts)
	case opts.get != "":
		return printTask(ctx, store, out, opts)
	case opts.retry != "":
		return retryTask(ctx, store, out, opts)
	case opts.sender != "":
		tasks, err := store.ListBySender(ctx, opts.sender, opts.limit)
		return printTaskList(out, tasks, err, opts)
	case opts.pending:
		tasks, err := store.ListPending(ctx, opts.limit)
		return printTaskList(out, tasks, err, opts)
	case opts.failed:
		tasks, err := store.ListFailed(ctx, opts.limit)
		return printTaskList(out, tasks, err, opts)
	default:
		// --list and the bare invocation both show recent tasks.
		_ = opts.list
		tasks, err := store.ListRecent(ctx, opts.limit)
		return printTaskList(out, tasks, err, opts)
	}
}

func printStats(ctx context.Context, store *taskstore.Store, out io.Writer, opts taskOptions) int {
	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, styled(opts.color, headerStyle, "Task queue"))
	fmt.Fprintf(out, "  total       %d\n", stats.Total)
	fmt.Fprintf(out, "  pending     %d\n", stats.Pending)
	fmt.Fprintf(out, "  processing  %d\n", stats.Processing)
	fmt.Fprintf(out, "  completed   %d\n", stats.Completed)
	fmt.Fprintf(out, "  failed      %d\n", stats.Failed)
	fmt.Fprintf(out, "  success     %.1f%%\n", stats.SuccessRate)
	return 0
}

func printTask(ctx context.Context, store *taskstore.Store, out io.Writer, opts taskOptions) int {
	task, err := store.Get(ctx, opts.get)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		return 1
	}
	if task == nil {
		fmt.Fprintf(os.Stderr, "task %s not found\n", opts.get)
		return 1
	}
	fmt.Fprintln(out, styled(opts.color, headerStyle, task.TaskID))
	fmt.Fprintf(out, "  status       %s\n", renderStatus(task.Status, opts.color))
	fmt.Fprintf(out, "  from         %s\n", task.FromAddress)
	fmt.Fprintf(out, "  to           %s\n", strings.Join(task.ToAddresses, ", "))
	fmt.Fprintf(out, "  subject      %s\n", task.Subject)
	fmt.Fprintf(out, "  attempts     %d (max retries %d)\n", task.Attempts, task.MaxRetries)
	fmt.Fprintf(out, "  fingerprint  %s\n", task.ContentFingerprint)
	if task.WorkspaceRef != "" {
		fmt.Fprintf(out, "  workspace    %s\n", task.WorkspaceRef)
	}
	if task.ReplyID != "" {
		fmt.Fprintf(out, "  reply_id     %s\n", task.ReplyID)
	}
	if task.LastError != "" {
		fmt.Fprintf(out, "  last_error   %s\n", task.LastError)
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(out, "  completed    %s\n", task.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	for _, e := range task.ErrorHistory {
		fmt.Fprintf(out, "  %s\n", styled(opts.color, dimStyle,
			fmt.Sprintf("attempt %d: %s", e.Attempt, e.Error)))
	}
	return 0
}

func retryTask(ctx context.Context, store *taskstore.Store, out io.Writer, opts taskOptions) int {
	tr, err := store.ResetForRetry(ctx, opts.retry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		return 1
	}
	if !tr.Applied {
		fmt.Fprintf(os.Stderr, "task %s not reset: %s\n", opts.retry, tr.Reason)
		return 1
	}
	fmt.Fprintf(out, "task %s reset to pending; it will be reprocessed on next delivery\n", opts.retry)
	return 0
}

func printTaskList(out io.Writer, tasks []taskstore.TaskRecord, err error, opts taskOptions) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return 0
	}
	for _, task := range tasks {
		fmt.Fprintln(out, renderTaskLine(task, opts.color))
		if opts.verbose {
			for _, e := range task.ErrorHistory {
				fmt.Fprintf(out, "    %s\n", styled(opts.color, dimStyle,
					fmt.Sprintf("attempt %d: %s", e.Attempt, e.Error)))
			}
		}
	}
	return 0
}

func renderTaskLine(task taskstore.TaskRecord, color bool) string {
	return fmt.Sprintf("%-12s %-40s %-28s %s",
		renderStatus(task.Status, color),
		truncate(task.TaskID, 40),
		truncate(task.FromAddress, 28),
		truncate(task.Subject, 48),
	)
}

func renderStatus(status taskstore.Status, color bool) string {
	if !color {
		return string(status)
	}
	if style, ok := statusStyles[status]; ok {
		return style.Render(string(status))
	}
	return string(status)
}

func styled(color bool, style lipgloss.Style, s string) string {
	if !color {
		return s
	}
	return style.Render(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
