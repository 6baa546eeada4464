package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehayes2000/shepard/internal/status"
)

var notifySession string
var notifyEvent string
var notifySocket string

// notifyCmd is meant for assistant hooks: it tells the running shepard that
// a session finished a turn or wants attention.
var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Report an assistant event (stop, notification) to the running shepard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session := notifySession
		if session == "" {
			session = os.Getenv(status.EnvSession)
		}
		socket := notifySocket
		if socket == "" {
			socket = os.Getenv(status.EnvSocket)
		}
		if session == "" || socket == "" {
			return errors.New("not running inside a shepard session (set --session and --socket)")
		}

		kind, err := status.ParseKind(notifyEvent)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return status.Send(ctx, socket, status.Event{Session: session, Event: kind})
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifySession, "session", "", "session name (default $"+status.EnvSession+")")
	notifyCmd.Flags().StringVar(&notifyEvent, "event", string(status.KindStop), "event kind: stop or notification")
	notifyCmd.Flags().StringVar(&notifySocket, "socket", "", "status socket (default $"+status.EnvSocket+")")
	rootCmd.AddCommand(notifyCmd)
}
