package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"proctorhub/internal/agent"
	"proctorhub/internal/proctor"
	"proctorhub/internal/stream"
	"proctorhub/pkg/types"
)

func newCandidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidate",
		Short: "Run a headless proctored candidate",
		Long: `Candidate starts a proctoring session against a server and reads
browser signals from stdin, one per line:

  tab | mouse | fullscreen | rightclick | key <combo> | faces <n>

"submit" submits the exam and "quit" leaves without submitting. Every
state change is printed. With --camera a synthetic frame stream is sent
to observers.`,
		Args: cobra.NoArgs,
		RunE: runCandidate,
	}
	cmd.Flags().StringP("server", "s", "http://localhost:8080", "Server base URL")
	cmd.Flags().String("session", "", "Session ID (random when empty)")
	cmd.Flags().String("id", "", "Candidate ID (required)")
	cmd.Flags().String("exam", "", "Exam ID")
	cmd.Flags().Bool("camera", false, "Stream synthetic camera frames")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runCandidate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	server, _ := cmd.Flags().GetString("server")
	sessionID, _ := cmd.Flags().GetString("session")
	candidateID, _ := cmd.Flags().GetString("id")
	examID, _ := cmd.Flags().GetString("exam")
	camera, _ := cmd.Flags().GetBool("camera")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	ended := make(chan string, 1)
	opts := agent.CandidateOptions{
		ServerURL:       server,
		SessionID:       sessionID,
		CandidateID:     candidateID,
		ExamID:          examID,
		Threshold:       cfg.Proctor.Threshold,
		PollInterval:    cfg.Proctor.PollInterval,
		ApprovalTimeout: cfg.Proctor.ApprovalTimeout,
		CaptureInterval: cfg.Proctor.CaptureInterval,
		MaxFailures:     cfg.Proctor.MaxCaptureFailures,
		Hooks: proctor.Hooks{
			Submit: func(reason string) error {
				fmt.Fprintf(out, "exam submitted (%s)\n", reason)
				return nil
			},
			OnWarning: func(v types.Violation, remaining int) {
				fmt.Fprintf(out, "warning: %s, %d left before block\n", v.Type, remaining)
			},
			OnSuspend: func(reason string) {
				fmt.Fprintf(out, "blocked: %s; waiting for a mentor\n", reason)
			},
			OnResume: func() { fmt.Fprintln(out, "resumed by mentor") },
			OnFlag:   func(reason string) { fmt.Fprintf(out, "flagged for review: %s\n", reason) },
			OnTerminate: func(reason string) {
				select {
				case ended <- reason:
				default:
				}
			},
		},
		Logger: logger,
	}
	if camera {
		opts.Source = stream.NewSyntheticSource()
	}

	cand, err := agent.StartCandidate(ctx, opts)
	if err != nil {
		return fmt.Errorf("start candidate: %w", err)
	}
	defer cand.Close()
	fmt.Fprintf(out, "session %s started as %s\n", sessionID, candidateID)

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-ended:
			fmt.Fprintf(out, "session terminated: %s\n", reason)
			return nil
		case <-cand.Done():
			return errors.New("connection to server lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := candidateLine(out, cand.Session(), line); done {
				return nil
			}
		}
	}
}

// candidateLine applies one stdin command and reports whether to exit.
func candidateLine(out io.Writer, s *proctor.Session, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "quit", "exit":
		return true
	case "submit":
		if err := s.Submit(); err != nil {
			fmt.Fprintf(out, "cannot submit: %v\n", err)
			return false
		}
		return true
	case "status":
		snap := s.Snapshot()
		fmt.Fprintf(out, "state=%s risk=%d violations=%d\n", snap.State, snap.RiskScore, len(snap.Violations))
		return false
	}

	sig, err := proctor.ParseSignal(line)
	if err != nil {
		fmt.Fprintln(out, err)
		return false
	}
	v, err := s.Observe(sig)
	switch {
	case err != nil:
		fmt.Fprintf(out, "ignored: %v\n", err)
	case v == nil:
		fmt.Fprintln(out, "no violation")
	default:
		fmt.Fprintf(out, "violation %s (%s) state=%s\n", v.Type, v.Severity, s.State())
	}
	return false
}

// readLines feeds r line by line until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
