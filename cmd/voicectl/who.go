package main

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-voice/internal/chat"
)

func whoCmd() *cobra.Command {
	var exclude string
	cmd := &cobra.Command{
		Use:   "who",
		Short: "List who is online at the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := presenceURL(relayURL, exclude)
			if err != nil {
				return err
			}
			var users []chat.User
			agent := fiber.Get(endpoint).Timeout(5 * time.Second)
			if err := agent.Parse(); err != nil {
				return fmt.Errorf("GET %s: %w", endpoint, err)
			}
			code, _, errs := agent.Struct(&users)
			if len(errs) > 0 {
				return fmt.Errorf("GET %s: %w", endpoint, errs[0])
			}
			if code != fiber.StatusOK {
				return fmt.Errorf("GET %s: status %d", endpoint, code)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNICKNAME")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\n", u.ID, u.Nickname)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&exclude, "exclude", "", "id or nickname to leave out")
	return cmd
}

// presenceURL maps ws://host:port/rt to http://host:port/api/presence.
func presenceURL(wsURL, exclude string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/presence"
	u.RawQuery = ""
	if exclude != "" {
		u.RawQuery = url.Values{"exclude": {exclude}}.Encode()
	}
	return u.String(), nil
}
