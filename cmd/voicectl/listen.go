package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-voice/internal/realtime"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

func listenCmd() *cobra.Command {
	var (
		outDir string
		ack    bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay online and save incoming voice messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if outDir == "" {
				outDir = filepath.Join(filepath.Dir(s.store.Path()), "inbox")
			}
			ctx, stop := signalContext(0)
			defer stop()
			return runListen(ctx, s, outDir, ack, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory for received audio (default: <data-dir>/inbox)")
	cmd.Flags().BoolVar(&ack, "ack", false, "send a listened receipt for every saved message")
	return cmd
}

// runListen saves every voice message into outDir until ctx ends.
func runListen(ctx context.Context, s *session, outDir string, ack bool, out, errOut io.Writer) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	unsubscribe := s.client.OnState(func(st realtime.StateChange) {
		if st.State == realtime.StateDisconnected && st.ReconnectAttempts > 0 {
			fmt.Fprintf(out, "offline, reconnect attempt %d\n", st.ReconnectAttempts)
			return
		}
		fmt.Fprintln(out, st.State)
	})
	defer unsubscribe()

	s.client.OnVoice(func(m store.Message) {
		path, err := saveVoice(outDir, m)
		if err != nil {
			fmt.Fprintf(errOut, "save %q: %v\n", m.ID, err)
			return
		}
		fmt.Fprintf(out, "%s from %s (%.1fs) -> %s\n", m.ID, m.Sender, m.Duration, path)
		if ack {
			_ = s.client.SendListened(m.ID)
		}
	})
	defer s.client.OnVoice(nil)

	if err := s.client.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// inboxName is the file name for m. Message ids come from peers, so the name
// is rebuilt locally: a UUID id is re-rendered, anything else is hashed.
func inboxName(m store.Message) string {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pelusa-voice:"+m.ID))
	}
	return id.String() + extension(m.Mime)
}

func saveVoice(dir string, m store.Message) (string, error) {
	path := filepath.Join(dir, inboxName(m))
	if err := os.WriteFile(path, m.Payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func extension(mime string) string {
	if mime == "audio/wav" {
		return ".wav"
	}
	return ".webm"
}
