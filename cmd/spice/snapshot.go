package main

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Veraticus/spice-categorizer/internal/cli"
	"github.com/Veraticus/spice-categorizer/internal/storage"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snapshots"},
		Short:   "Manage pattern database snapshots",
		Long: `Create, list, restore, and delete snapshots of the pattern database.

Decay and merge take an automatic snapshot first; the newest automatic snapshots are kept.`,
		Example: `  spice snapshot create --tag before-cleanup
  spice snapshot list
  spice snapshot restore before-cleanup`,
	}

	cmd.AddCommand(createSnapshotCmd())
	cmd.AddCommand(listSnapshotsCmd())
	cmd.AddCommand(restoreSnapshotCmd())
	cmd.AddCommand(deleteSnapshotCmd())

	return cmd
}

func openSnapshots(cmd *cobra.Command) (*storage.SQLiteStorage, *storage.SnapshotManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd.Context(), cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	manager, err := storage.NewSnapshotManager(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, manager, nil
}

func findSnapshot(cmd *cobra.Command, manager *storage.SnapshotManager, id string) (*storage.SnapshotInfo, error) {
	snapshots, err := manager.List(cmd.Context())
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].ID == id {
			return &snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrSnapshotNotFound, id)
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n\nContinue? (y/N) ", prompt)
	response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(response)), "y")
}

func createSnapshotCmd() *cobra.Command {
	var tag string
	var description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, manager, err := openSnapshots(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			info, err := manager.Create(cmd.Context(), tag, description)
			if err != nil {
				return fmt.Errorf("failed to create snapshot: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Created snapshot %s (%s, %d patterns, %d events)\n",
				cli.SuccessStyle.Render("✓"),
				cli.InfoStyle.Render(info.ID),
				formatFileSize(info.FileSize),
				info.Patterns(),
				info.Events())
			return nil
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Snapshot name (default: timestamp)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Snapshot description")

	return cmd
}

func listSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, manager, err := openSnapshots(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			snapshots, err := manager.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list snapshots: %w", err)
			}
			if len(snapshots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtitleStyle.Render("No snapshots found."))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
			_, _ = fmt.Fprintln(w, strings.Join([]string{
				headerStyle.Render("NAME"),
				headerStyle.Render("CREATED"),
				headerStyle.Render("SIZE"),
				headerStyle.Render("PATTERNS"),
				headerStyle.Render("EVENTS"),
				headerStyle.Render("SCHEMA"),
				headerStyle.Render("TYPE"),
			}, "\t"))

			for _, s := range snapshots {
				typeLabel := "manual"
				if s.IsAuto {
					typeLabel = "auto"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					cli.InfoStyle.Render(s.ID),
					formatRelativeTime(s.CreatedAt),
					formatFileSize(s.FileSize),
					s.Patterns(),
					s.Events(),
					s.SchemaVersion,
					cli.SubtitleStyle.Render(typeLabel),
				)
			}
			return w.Flush()
		},
	}
}

func restoreSnapshotCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Replace the pattern database with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			store, manager, err := openSnapshots(cmd)
			if err != nil {
				return err
			}
			dbPath := store.Path()

			info, err := findSnapshot(cmd, manager, id)
			if err != nil {
				_ = store.Close()
				return err
			}

			if !force {
				prompt := fmt.Sprintf("%s This will replace your pattern database with snapshot %s.\n  Created: %s",
					cli.WarningStyle.Render("⚠️"),
					cli.InfoStyle.Render(id),
					info.CreatedAt.Format("2006-01-02 15:04:05"))
				if info.Description != "" {
					prompt += "\n  Description: " + info.Description
				}
				if !confirm(cmd, prompt) {
					fmt.Fprintln(cmd.OutOrStdout(), cli.SubtitleStyle.Render("Restore cancelled."))
					_ = store.Close()
					return nil
				}
			}

			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}
			if err := storage.RestoreSnapshot(dbPath, id); err != nil {
				return fmt.Errorf("failed to restore snapshot: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Restored snapshot %s. Run 'spice cache flush' if other processes share the cache.\n",
				cli.SuccessStyle.Render("✓"),
				cli.InfoStyle.Render(id))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	return cmd
}

func deleteSnapshotCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			store, manager, err := openSnapshots(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			info, err := findSnapshot(cmd, manager, id)
			if err != nil {
				return err
			}

			if !force {
				prompt := fmt.Sprintf("%s This will permanently delete snapshot %s.\n  Created: %s\n  Size: %s",
					cli.WarningStyle.Render("⚠️"),
					cli.InfoStyle.Render(id),
					info.CreatedAt.Format("2006-01-02 15:04:05"),
					formatFileSize(info.FileSize))
				if !confirm(cmd, prompt) {
					fmt.Fprintln(cmd.OutOrStdout(), cli.SubtitleStyle.Render("Deletion cancelled."))
					return nil
				}
			}

			if err := manager.Delete(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted snapshot %s\n",
				cli.SuccessStyle.Render("✓"),
				cli.InfoStyle.Render(id))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	return cmd
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func formatRelativeTime(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		if m := int(duration.Minutes()); m != 1 {
			return fmt.Sprintf("%d minutes ago", m)
		}
		return "1 minute ago"
	case duration < 24*time.Hour:
		if h := int(duration.Hours()); h != 1 {
			return fmt.Sprintf("%d hours ago", h)
		}
		return "1 hour ago"
	case duration < 7*24*time.Hour:
		if d := int(duration.Hours() / 24); d != 1 {
			return fmt.Sprintf("%d days ago", d)
		}
		return "yesterday"
	default:
		return t.Format("2006-01-02 15:04")
	}
}
