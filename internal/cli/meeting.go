package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"proctorhub/internal/agent"
	"proctorhub/pkg/types"
)

func newMeetingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Join a meeting room as a headless participant",
		Long: `Meeting joins a mentor meeting and negotiates a WebRTC connection with
every other participant. Lines read from stdin are sent as chat, except:

  /audio on|off   /video on|off   /peers   /quit`,
		Args: cobra.NoArgs,
		RunE: runMeeting,
	}
	cmd.Flags().StringP("server", "s", "http://localhost:8080", "Server base URL")
	cmd.Flags().String("room", "", "Meeting ID (required)")
	cmd.Flags().String("id", "", "Participant ID (required)")
	cmd.Flags().String("role", string(types.RoleMentor), "Participant role (mentor, candidate)")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runMeeting(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	server, _ := cmd.Flags().GetString("server")
	meetingID, _ := cmd.Flags().GetString("room")
	userID, _ := cmd.Flags().GetString("id")
	roleFlag, _ := cmd.Flags().GetString("role")
	role, err := types.ParseRole(roleFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	m, err := agent.JoinMeeting(ctx, agent.MeetingOptions{
		ServerURL:         server,
		MeetingID:         meetingID,
		UserID:            userID,
		Role:              role,
		ICEServers:        cfg.Peer.ICEServers,
		MaxRenegotiations: cfg.Peer.MaxRenegotiations,
		OnChat:            func(from, text string) { fmt.Fprintf(out, "<%s> %s\n", from, text) },
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("join meeting: %w", err)
	}
	defer m.Close()
	fmt.Fprintf(out, "joined %s as %s\n", meetingID, userID)

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Done():
			return errors.New("connection to server lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := meetingLine(out, m, line); done {
				return nil
			}
		}
	}
}

func meetingLine(out io.Writer, m *agent.Meeting, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := m.Chat(line); err != nil {
			fmt.Fprintf(out, "chat not sent: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/peers":
		for _, p := range m.Manager().Peers() {
			ms, _ := m.Manager().RemoteMedia(p)
			fmt.Fprintf(out, "%s audio=%t video=%t\n", p, ms.Audio, ms.Video)
		}
	case "/audio", "/video":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			fmt.Fprintf(out, "usage: %s on|off\n", fields[0])
			return false
		}
		on := fields[1] == "on"
		if fields[0] == "/audio" {
			m.Manager().SetAudioEnabled(on)
		} else {
			m.Manager().SetVideoEnabled(on)
		}
		ms := m.Manager().MediaState()
		fmt.Fprintf(out, "audio=%t video=%t\n", ms.Audio, ms.Video)
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return false
}
