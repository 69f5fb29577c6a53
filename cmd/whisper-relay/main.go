// Command whisper-relay runs the zero-knowledge message relay: the
// websocket gateway, the admin HTTP surface, and the background sweeps.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/accounts"
	"github.com/opd-ai/whisper-relay/admin"
	"github.com/opd-ai/whisper-relay/auth"
	"github.com/opd-ai/whisper-relay/block"
	"github.com/opd-ai/whisper-relay/call"
	"github.com/opd-ai/whisper-relay/config"
	"github.com/opd-ai/whisper-relay/directory"
	"github.com/opd-ai/whisper-relay/gateway"
	"github.com/opd-ai/whisper-relay/group"
	"github.com/opd-ai/whisper-relay/presence"
	"github.com/opd-ai/whisper-relay/push"
	"github.com/opd-ai/whisper-relay/queue"
	"github.com/opd-ai/whisper-relay/router"
	"github.com/opd-ai/whisper-relay/store"
)

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Configuration invalid")
	}

	kv, err := openStore(context.Background(), cfg)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Store unavailable")
	}
	defer kv.Close()

	ctx := context.Background()
	stop := make(chan struct{})

	authSvc := auth.NewService()
	pm := presence.NewManager(kv)
	q := queue.New(kv)
	blocks := block.NewRegistry(kv)
	dir := directory.New(kv)
	groups := group.NewStore(kv)
	offers := call.NewOfferStore()
	turn := call.NewTURNIssuer(cfg.TURNSecret, cfg.TURNURLs, cfg.TURNTTL)
	dispatcher := buildPush(cfg)
	accts := accounts.NewService(kv, dir, q, blocks, groups, pm)
	rt := router.New(pm, q, blocks, dir, dispatcher, kv, cfg.QueueGroupMessages)

	gw := gateway.New(gateway.Deps{
		KV:             kv,
		Auth:           authSvc,
		Presence:       pm,
		Router:         rt,
		Queue:          q,
		Blocks:         blocks,
		Dir:            dir,
		Groups:         groups,
		Offers:         offers,
		TURN:           turn,
		Push:           dispatcher,
		Accounts:       accts,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	go authSvc.Run(stop)
	go pm.Run(ctx, stop)
	go q.Run(ctx, stop)
	go offers.Run(stop)
	go func() {
		if err := gw.RunSubscriber(ctx, stop); err != nil {
			logrus.WithField("error", err.Error()).Error("Pub/sub subscriber failed")
		}
	}()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", gw.HandleWS)
	wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: wsMux}

	adminSrv := admin.New(kv, pm, offers, turn, accts, cfg.AdminAPIKey)
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: adminSrv.Handler()}

	go func() {
		logrus.WithField("addr", cfg.AdminAddr).Info("Admin surface listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Fatal("Admin server failed")
		}
	}()
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":         cfg.ListenAddr,
			"turn_enabled": turn != nil,
			"voip_enabled": dispatcher.VoIPCapable(),
		}).Info("Relay listening")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Fatal("Websocket server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Info("Shutting down")

	close(stop)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pm.CloseAll(shutdownCtx, "server shutting down")
	_ = wsServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
}

func setupLogging() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// openStore selects redis when configured, the in-memory store otherwise.
// The in-memory store is single-node only; cross-instance routing needs
// redis pub/sub.
func openStore(ctx context.Context, cfg *config.Config) (store.KV, error) {
	if cfg.RedisURL == "" {
		logrus.Warn("REDIS_URL unset, using in-memory store (single node)")
		return store.NewMemoryKV(), nil
	}
	return store.NewRedisKV(ctx, cfg.RedisURL)
}

// buildPush assembles the dispatcher: Expo always, APNs VoIP when the
// credential set is complete.
func buildPush(cfg *config.Config) *push.Dispatcher {
	expo := push.NewExpoClient(cfg.ExpoPushURL)

	var voip push.VoIPSender
	if cfg.VoIPEnabled() {
		apns, err := push.NewAPNSClient(cfg.APNSKeyID, cfg.APNSTeamID, cfg.APNSKeyPath, cfg.APNSBundleID, cfg.APNSProduction)
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("APNs init failed, VoIP push disabled")
		} else {
			voip = apns
		}
	}
	return push.NewDispatcher(expo, voip)
}
