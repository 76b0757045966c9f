package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/session"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and edit remembered conversations",
	Long: `Inspect and edit the conversation records the relay persists.

These commands work on the store directly. Run them while the relay is
stopped, or use the HTTP API of a running relay instead.`,
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Args:    cobra.NoArgs,
	RunE:    runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [conversation]",
	Short: "Show a conversation's session history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear [conversation]",
	Short: "Forget a conversation's session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClear,
}

var sessionsRewindCmd = &cobra.Command{
	Use:   "rewind [conversation] [n]",
	Short: "Drop the last n turns (default 1)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSessionsRewind,
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Print JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
	sessionsCmd.AddCommand(sessionsRewindCmd)
}

// openManager opens the configured store behind a manager without a
// runner, for offline edits.
func openManager(ctx context.Context) (*session.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	initLogging(cfg.Log)

	store, err := session.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	m := session.NewManager(session.Options{
		Store:     store,
		Artifacts: agent.ClaudeArtifacts{ProjectsDir: cfg.Agent.ProjectsDir, WorkDir: cfg.WorkDir},
		WorkDir:   cfg.WorkDir,
	})
	return m, func() { store.Close() }, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := m.List(ctx)
	if err != nil {
		return err
	}
	if sessionsJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tSESSION\tTURNS\tLAST ACTIVITY")
	for _, st := range list {
		handle := st.SessionHandle
		if handle == "" {
			handle = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", st.ConversationID, handle, st.Depth(), formatTime(st.LastActivity))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	st := m.Status(ctx, args[0])
	if sessionsJSON {
		return printJSON(st)
	}

	fmt.Printf("%s %s\n", color.New(color.FgCyan, color.Bold).Sprint("conversation"), st.ConversationID)
	fmt.Printf("last activity: %s\n", formatTime(st.LastActivity))
	if st.Depth() == 0 {
		fmt.Println(color.New(color.FgHiBlack).Sprint("no session history"))
		return nil
	}
	fmt.Println("history, newest last:")
	for i, h := range st.History {
		line := fmt.Sprintf("  %d. %s", i+1, h)
		if h == st.SessionHandle && i == len(st.History)-1 {
			line = color.New(color.FgGreen).Sprint(line + "  (current)")
		}
		fmt.Println(line)
	}
	return nil
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	res := m.Clear(ctx, args[0])
	if sessionsJSON {
		return printJSON(res)
	}
	if res.PreviousHandle == "" {
		fmt.Printf("%s had no session.\n", args[0])
		return nil
	}
	fmt.Printf("%s cleared %s (was %s).\n", color.GreenString("✓"), args[0], res.PreviousHandle)
	return nil
}

func runSessionsRewind(cmd *cobra.Command, args []string) error {
	count := 1
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count %q", args[1])
		}
		count = n
	}

	ctx := cmd.Context()
	m, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := m.Rewind(ctx, args[0], count)
	if err != nil {
		return err
	}
	if sessionsJSON {
		return printJSON(res)
	}
	switch {
	case res.Removed == 0:
		fmt.Println("Nothing to rewind.")
	case res.SessionHandle == "":
		fmt.Printf("%s rewound %d turn(s); %s starts fresh.\n", color.GreenString("✓"), res.Removed, args[0])
	default:
		fmt.Printf("%s rewound %d turn(s); %s resumes from %s.\n", color.GreenString("✓"), res.Removed, args[0], res.SessionHandle)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
