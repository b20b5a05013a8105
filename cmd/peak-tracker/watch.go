package main

import (
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"peak-tracker-service/internal/client"
	"peak-tracker-service/internal/identity"
	"peak-tracker-service/internal/tracker"
	"peak-tracker-service/internal/tui"
)

// watch is a terminal client: start or join a session and render live
// member state, reporting a synthetic location moved with the arrow keys.
func newWatchCommand() *cobra.Command {
	var (
		server    string
		code      string
		name      string
		configDir string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a session from the terminal and watch members live",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := identity.NewProvider(configDir)
			if err != nil {
				return err
			}
			deviceID, err := provider.DeviceID()
			if err != nil {
				return err
			}

			remote := client.NewHTTP(server)
			// The TUI owns the terminal; keep the tracker's log chatter out.
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			trk := tracker.New(remote, tracker.FeedFunc(remote.Subscribe), deviceID, quiet)

			program := tea.NewProgram(tui.NewModel(trk, code, name), tea.WithAltScreen())
			_, err = program.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&code, "code", "", "session code to join; empty starts a new session")
	cmd.Flags().StringVar(&name, "name", "anonymous", "display name")
	cmd.Flags().StringVar(&configDir, "config-dir", "", "directory for the persisted device id")
	return cmd
}
