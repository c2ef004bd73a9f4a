package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/gameserver/pkg/checkpoint"
	"github.com/aixgo-dev/gameserver/pkg/storage"
)

var (
	keepLast   int
	forceClean bool
	showJSON   bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage session checkpoints",
	Long: `Inspect and clean up checkpoints in the configured storage backend.
Checkpoint ids have the form <episode>/<step>.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list [episode]",
	Short: "List episodes, or the checkpoints of one episode",
	Args:  cobra.MaximumNArgs(1),
	RunE: withStore(func(ctx context.Context, store *checkpoint.Store, cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return listEpisodes(ctx, store, cmd.OutOrStdout())
		}
		return listCheckpoints(ctx, store, cmd.OutOrStdout(), args[0])
	}),
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a checkpoint summary",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store *checkpoint.Store, cmd *cobra.Command, args []string) error {
		return showCheckpoint(ctx, store, cmd.OutOrStdout(), args[0], showJSON)
	}),
}

var deleteCheckpointCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store *checkpoint.Store, cmd *cobra.Command, args []string) error {
		if !forceClean && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Delete checkpoint %s?", args[0])) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		if err := store.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	}),
}

var pruneCheckpointsCmd = &cobra.Command{
	Use:   "prune <episode>",
	Short: "Keep only the newest checkpoints of an episode",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store *checkpoint.Store, cmd *cobra.Command, args []string) error {
		if keepLast < 1 {
			return fmt.Errorf("--keep must be at least 1")
		}
		if !forceClean && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
			fmt.Sprintf("Keep the newest %d checkpoint(s) of %s and delete the rest?", keepLast, args[0])) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		return pruneCheckpoints(ctx, store, cmd.OutOrStdout(), args[0], keepLast)
	}),
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(showCheckpointCmd)
	checkpointsCmd.AddCommand(deleteCheckpointCmd)
	checkpointsCmd.AddCommand(pruneCheckpointsCmd)

	showCheckpointCmd.Flags().BoolVar(&showJSON, "json", false, "Print the summary as JSON")
	pruneCheckpointsCmd.Flags().IntVar(&keepLast, "keep", 1, "Number of checkpoints to keep")
	deleteCheckpointCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
	pruneCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

type storeFunc func(ctx context.Context, store *checkpoint.Store, cmd *cobra.Command, args []string) error

// withStore opens the configured backend for the duration of one command.
// Retention is disabled so that inspection never evicts anything.
func withStore(fn storeFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend, err := storage.New(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer backend.Close()

		store := checkpoint.NewStore(backend,
			checkpoint.WithMaxCheckpoints(0),
			checkpoint.WithCompression(cfg.Checkpoint.Compression),
			checkpoint.WithLogger(logger))
		return fn(ctx, store, cmd, args)
	}
}

func listEpisodes(ctx context.Context, store *checkpoint.Store, out io.Writer) error {
	episodes, err := store.Episodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list episodes: %w", err)
	}
	if len(episodes) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EPISODE\tCHECKPOINTS\tLATEST STEP\tLATEST SAVED")
	for _, ep := range episodes {
		infos, err := store.List(ctx, ep)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", ep, err)
		}
		if len(infos) == 0 {
			continue
		}
		last := infos[len(infos)-1]
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", ep, len(infos), last.Step, last.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func listCheckpoints(ctx context.Context, store *checkpoint.Store, out io.Writer, episode string) error {
	infos, err := store.List(ctx, episode)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintf(out, "No checkpoints for episode %s.\n", episode)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTEP\tSAVED\tSIZE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.ID, info.Step, info.CreatedAt.Format("2006-01-02 15:04:05"), formatBytes(int64(info.Size)))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal checkpoints: %d\n", len(infos))
	return nil
}

type checkpointSummary struct {
	ID           string  `json:"id"`
	EpisodeID    string  `json:"episode_id"`
	Step         int     `json:"step"`
	CreatedAt    string  `json:"created_at"`
	Game         string  `json:"game,omitempty"`
	Emulator     string  `json:"emulator,omitempty"`
	StateBytes   int     `json:"state_bytes"`
	Actions      int     `json:"actions"`
	Observations int     `json:"observations"`
	TotalReward  float64 `json:"total_reward"`
	LastActions  string  `json:"last_actions,omitempty"`
}

func showCheckpoint(ctx context.Context, store *checkpoint.Store, out io.Writer, id string, asJSON bool) error {
	rec, err := store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}

	sum := checkpointSummary{
		ID:           rec.ID,
		EpisodeID:    rec.EpisodeID,
		Step:         rec.Step,
		CreatedAt:    rec.CreatedAt.Format("2006-01-02 15:04:05"),
		Game:         rec.Metadata.GameName,
		Emulator:     rec.Metadata.Emulator,
		StateBytes:   len(rec.State),
		Actions:      len(rec.Actions),
		Observations: len(rec.Observations),
	}
	for _, r := range rec.Rewards {
		sum.TotalReward += r
	}
	tail := rec.Actions
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	sum.LastActions = strings.Join(tail, " ")

	if asJSON {
		data, err := sonic.ConfigStd.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", sum.ID)
	fmt.Fprintf(w, "Episode:\t%s\n", sum.EpisodeID)
	fmt.Fprintf(w, "Step:\t%d\n", sum.Step)
	fmt.Fprintf(w, "Saved:\t%s\n", sum.CreatedAt)
	if sum.Game != "" {
		fmt.Fprintf(w, "Game:\t%s\n", sum.Game)
	}
	fmt.Fprintf(w, "State:\t%s\n", formatBytes(int64(sum.StateBytes)))
	fmt.Fprintf(w, "Actions:\t%d\n", sum.Actions)
	fmt.Fprintf(w, "Observations:\t%d\n", sum.Observations)
	fmt.Fprintf(w, "Total reward:\t%g\n", sum.TotalReward)
	if sum.LastActions != "" {
		fmt.Fprintf(w, "Last actions:\t%s\n", sum.LastActions)
	}
	return w.Flush()
}

func pruneCheckpoints(ctx context.Context, store *checkpoint.Store, out io.Writer, episode string, keep int) error {
	deleted, err := store.Prune(ctx, episode, keep)
	for _, id := range deleted {
		fmt.Fprintf(out, "  - %s\n", id)
	}
	if err != nil {
		return fmt.Errorf("prune %s: %w", episode, err)
	}
	fmt.Fprintf(out, "Deleted %d checkpoint(s).\n", len(deleted))
	return nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.TrimSpace(answer)
	return answer == "y" || answer == "Y"
}

// formatBytes formats bytes in human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
