// Command listen connects to a realtime hub, subscribes to channels and
// prints every event it receives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/config"
	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/wsclient"
)

func main() {
	cfg, err := config.LoadListenConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(2)
	}

	log := logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})

	os.Exit(run(cfg, log))
}

func run(cfg *config.ListenConfig, log *logger.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := wsclient.NewManager(cfg.ToManagerConfig(), wsclient.WebsocketDialer{}, wsclient.WithLogger(log))
	mgr.Start(ctx)
	defer mgr.Close()

	out := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			log.Info("Interrupted")
			return 0
		case <-mgr.Done():
			if err := mgr.Err(); err != nil && !errors.Is(err, wsclient.ErrClosed) {
				log.Error(err, "Connection manager stopped")
				return 1
			}
			return 0
		case sc := <-mgr.States():
			fields := []interface{}{"state", sc.State.String(), "health", sc.Health.String(), "attempt", sc.Attempt}
			if sc.Err != nil {
				log.Warn("Connection state changed", append(fields, "error", sc.Err.Error())...)
				continue
			}
			log.Info("Connection state changed", fields...)
		case env := <-mgr.Events():
			if err := out.Encode(env); err != nil {
				log.Error(err, "Failed to write event")
			}
			if cfg.AutoAck && env.Type == model.TypeNotification {
				ack(mgr, env, log)
			}
		}
	}
}

func ack(mgr *wsclient.Manager, env model.Envelope, log *logger.Logger) {
	var n struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &n); err != nil || n.ID == uuid.Nil {
		log.Warn("Notification without id, not acknowledged", "channel", env.Channel)
		return
	}
	if err := mgr.Ack(n.ID); err != nil {
		log.Error(err, "Failed to queue ack", "notification_id", n.ID.String())
	}
}
