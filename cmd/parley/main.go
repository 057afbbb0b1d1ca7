package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/parley-chat/parley/auth"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/globals"
	"github.com/parley-chat/parley/hub"
	"github.com/parley-chat/parley/persistence"
	"github.com/parley-chat/parley/registry"
	"github.com/parley-chat/parley/types"
	"github.com/parley-chat/parley/ws"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	verifier, err := auth.NewVerifier(globalConfig)
	if err != nil {
		panic(err)
	}

	if err := bootstrapDefaultRoom(globalConfig, persister); err != nil {
		panic(err)
	}

	reg := registry.NewRegistry(globalConfig.HubConfig.SendQueueSize)
	messagingHub, err := hub.NewHub(globalConfig.HubConfig, reg, persister, verifier)
	if err != nil {
		panic(err)
	}

	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if spec := globalConfig.HubConfig.PresenceFlushCron; spec != "" {
		_, err := cronRunner.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			messagingHub.FlushPresence(ctx)
		})
		if err != nil {
			panic(err)
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		globals.AppLogger.Info("interrupted, shutting down")
		cronRunner.Stop()
		persister.Close()
		os.Exit(0)
	}()

	router := mux.NewRouter()
	router.HandleFunc("/ws", websocketHandler(messagingHub)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	globals.AppLogger.Info("listening", "addr", globalConfig.ListenAddr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(globalConfig.ListenAddr, *sslCert, *sslKey, router)
	} else {
		err = http.ListenAndServe(globalConfig.ListenAddr, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// bootstrapDefaultRoom creates the configured default room when the store
// holds no rooms at all, so a fresh install is immediately usable.
func bootstrapDefaultRoom(cfg *config.Config, persister persistence.Persister) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rooms, err := persister.GetRooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) > 0 || cfg.HubConfig.DefaultRoom == "" {
		return nil
	}
	room := types.Room{
		Id:        cfg.HubConfig.DefaultRoom,
		Name:      cfg.HubConfig.DefaultRoom,
		IsPrivate: false,
		Members:   types.JSONStringSlice{},
		CreatedAt: time.Now().UTC(),
	}
	globals.AppLogger.Info("creating default room", "room", room.Id)
	return persister.StoreRoom(ctx, room)
}

// Handle incoming websockets
func websocketHandler(messagingHub *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			globals.AppLogger.Error("websocket upgrade error", "error", err)
			return
		}
		client := ws.NewClient(messagingHub, conn)
		globals.AppLogger.Debug("client connected", "session", client.Session().Id)
		client.Run(r.Context())
	}
}
