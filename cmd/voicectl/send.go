package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-voice/internal/realtime"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

func sendCmd() *cobra.Command {
	var (
		to       []string
		duration float64
		mime     string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <audio-file>",
		Short: "Send one recorded voice message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if mime == "" && strings.HasSuffix(strings.ToLower(args[0]), ".wav") {
				mime = "audio/wav"
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signalContext(timeout)
			defer stop()
			if err := s.waitConnected(ctx); err != nil {
				return err
			}

			m, err := s.client.SendVoice(realtime.Voice{
				Payload:    payload,
				Duration:   duration,
				Mime:       mime,
				Recipients: to,
			})
			if err != nil {
				return err
			}

			got, err := waitDelivered(ctx, s.store, m.ID, 100*time.Millisecond)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", got.ID, got.Status)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient ids (default: everyone)")
	cmd.Flags().Float64VarP(&duration, "duration", "d", 0, "duration in seconds")
	cmd.Flags().StringVar(&mime, "mime", "", "audio mime type (default: audio/webm)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

// waitDelivered polls st until message id is sent or listened. A failed write
// is retried by the client on reconnect, so pending and sending keep waiting.
func waitDelivered(ctx context.Context, st store.MessageStore, id string, every time.Duration) (store.Message, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		got, ok := st.Get(id)
		if !ok {
			return got, fmt.Errorf("%s: %w", id, store.ErrNotFound)
		}
		switch got.Status {
		case store.StatusSent, store.StatusListened:
			return got, nil
		case store.StatusFailed:
			return got, fmt.Errorf("%s failed after %d attempts", id, got.Attempts)
		}
		select {
		case <-ctx.Done():
			return got, fmt.Errorf("%s still %s: %w", id, got.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
