package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pulsedeck/realtime/pkg/presence"
	"github.com/pulsedeck/realtime/pkg/publishing"
	"github.com/pulsedeck/realtime/pkg/realtime"
	"github.com/pulsedeck/realtime/pkg/transport"
	"github.com/pulsedeck/realtime/pkg/wire"
)

func newWatchCmd() *cobra.Command {
	var (
		url       string
		userID    string
		name      string
		contentID string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a hub and log realtime traffic for a content room",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, url, userID, name, contentID)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "hub websocket URL")
	cmd.Flags().StringVar(&userID, "user", "watcher", "user id to connect as")
	cmd.Flags().StringVar(&name, "name", "Watcher", "display name")
	cmd.Flags().StringVar(&contentID, "content", "demo", "content id to join")
	return cmd
}

func runWatch(ctx context.Context, url, userID, name, contentID string) error {
	client := transport.NewClient(transport.Options{
		URL:         url + "?user=" + userID,
		Credentials: transport.Credentials{UserID: userID},
	})

	mgr, err := realtime.New(realtime.Options{
		Transport: client,
		Identity:  presence.Identity{UserID: userID, DisplayName: name},
	})
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	mgr.OnConnectionChange(func(state transport.State) {
		log.Info().Str("state", string(state)).Msg("connection state changed")
	})
	mgr.Presence().OnChange(func(p wire.Presence) {
		log.Info().
			Str("user_id", p.UserID).
			Str("status", string(p.Status)).
			Bool("typing", p.Typing).
			Msg("presence changed")
	})
	mgr.Collab().OnOperation(func(op wire.Operation) {
		log.Info().
			Str("kind", string(op.Kind)).
			Int("pos", op.Pos).
			Str("actor_id", op.ActorID).
			Uint64("clock", op.Clock).
			Msg("operation applied")
	})
	mgr.Publishing().OnEvent(func(ev publishing.Event) {
		log.Info().
			Str("event", string(ev.Kind)).
			Str("job_id", ev.Job.ID).
			Str("status", string(ev.Job.Status)).
			Int("progress", ev.Job.Progress).
			Msg("publish job event")
	})

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	unsub, err := mgr.SubscribeToContent(contentID)
	if err != nil {
		return err
	}
	defer unsub()

	mgr.Presence().UpdateLocation(wire.Location{Page: "watch", ContentID: contentID})
	log.Info().Str("content_id", contentID).Msg("watching, ctrl-c to stop")

	<-ctx.Done()
	return nil
}
