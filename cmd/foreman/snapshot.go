package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/workspace"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <agent> <output.tar.zst>",
	Short: "Archive an agent workspace",
	Long:  `Write the agent's workspace as a zstd-compressed tar archive. Use "-" for stdout.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspaces()
		if err != nil {
			return err
		}
		return runSnapshot(ws, args[0], args[1], cmd.OutOrStdout())
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <agent> <input.tar.zst>",
	Short: "Restore an agent workspace from a snapshot",
	Long:  `Extract a snapshot into the agent's workspace, creating it if needed. Existing files with the same names are overwritten.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspaces()
		if err != nil {
			return err
		}
		return runRestore(ws, args[0], args[1], cmd.OutOrStdout())
	},
}

func openWorkspaces() (*workspace.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("init workspaces: %w", err)
	}
	return ws, nil
}

func runSnapshot(ws *workspace.Manager, agentID, outputPath string, stdout io.Writer) error {
	if outputPath == "-" {
		return ws.Snapshot(agentID, stdout)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := ws.Snapshot(agentID, f); err != nil {
		_ = os.Remove(outputPath)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	slog.Info("snapshot written", "agent", agentID, "path", outputPath)
	fmt.Fprintf(stdout, "Snapshot complete: %s, %s\n", agentID, formatSize(size))
	return nil
}

func runRestore(ws *workspace.Manager, agentID, inputPath string, stdout io.Writer) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := ws.Restore(agentID, f); err != nil {
		return err
	}

	size, _ := ws.WorkspaceSize(agentID)
	fmt.Fprintf(stdout, "Restore complete: %s, %s\n", agentID, formatSize(size))
	return nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
