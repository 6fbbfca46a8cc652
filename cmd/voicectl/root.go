package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-voice/internal/config"
	"github.com/pelusa-v/pelusa-voice/internal/realtime"
	"github.com/pelusa-v/pelusa-voice/internal/store"
)

// Shared flags
var (
	relayURL string
	dataDir  string
	nickname string
	verbose  bool
)

func rootCmd() *cobra.Command {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}

	root := &cobra.Command{
		Use:           "voicectl",
		Short:         "Send and receive voice messages through a pelusa relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetLevel(log.LevelWarn)
			if verbose {
				log.SetLevel(log.LevelDebug)
			}
		},
	}
	root.PersistentFlags().StringVar(&relayURL, "url", cfg.RelayURL, "relay websocket url")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", cfg.DataDir, "where messages and identity are kept (default: user config dir)")
	root.PersistentFlags().StringVarP(&nickname, "nick", "n", cfg.Nickname, "nickname to announce")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(listenCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(whoCmd())
	root.AddCommand(historyCmd())
	return root
}

func openStore() (*store.SQLiteStore, error) {
	dir := dataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate data dir: %w", err)
		}
		dir = filepath.Join(base, "pelusa-voice")
	}
	return store.OpenSQLite(dir)
}

// session is an open store plus a client wired to it.
type session struct {
	store  *store.SQLiteStore
	client *realtime.Client
}

func openSession() (*session, error) {
	db, err := openStore()
	if err != nil {
		return nil, err
	}
	client, err := realtime.NewClient(realtime.Options{
		URL:      relayURL,
		Nickname: nickname,
		Messages: db,
		Identity: db,
		Presence: db,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, nick := client.Self(); nick == "" {
		client.Close()
		db.Close()
		return nil, fmt.Errorf("no nickname: pass --nick or set VOICE_NICKNAME")
	}
	return &session{store: db, client: client}, nil
}

func (s *session) Close() {
	_ = s.client.Close()
	_ = s.store.Close()
}

// waitConnected blocks until the client is connected or ctx ends.
func (s *session) waitConnected(ctx context.Context) error {
	up := make(chan struct{}, 1)
	unsubscribe := s.client.OnState(func(st realtime.StateChange) {
		if st.State == realtime.StateConnected {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if err := s.client.Connect(); err != nil {
		return err
	}
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect %s: %w", relayURL, ctx.Err())
	}
}

func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}
