package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"piksel/internal/api"
	"piksel/internal/auth"
	"piksel/internal/chat"
	"piksel/internal/commands"
	"piksel/internal/config"
	"piksel/internal/fanout"
	"piksel/internal/http"
	"piksel/internal/membership"
	"piksel/internal/presence"
	"piksel/internal/push"
	"piksel/internal/storage"
	"piksel/internal/upload"
	"piksel/internal/ws"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("piksel", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "User id to issue a session token for (asks the running server's admin API)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg, os.Stdout)
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	hub := ws.NewHub(logger)
	var bus chat.Publisher = hub
	var bridge *fanout.Bridge
	if cfg.RedisURL != "" {
		bridge, err = fanout.NewBridge(cfg.RedisURL, bbStorage.StoreID(), hub, logger)
		if err != nil {
			return err
		}
		defer func() { _ = bridge.Close() }()
		bus = bridge
	}

	presenceAgg := presence.New(bbStorage, bus, logger)
	// No connection survives a restart.
	if err := presenceAgg.Reset(); err != nil {
		return err
	}

	notifier := push.NewNotifier(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, bbStorage, presenceAgg, logger)

	successor, err := membership.PolicyByName(cfg.OwnerSuccession)
	if err != nil {
		return err
	}
	chatService := chat.NewService(bbStorage, bus, chat.Config{
		DefaultEncryption: cfg.DefaultMode,
		Successor:         successor,
		Notifier:          notifier,
		Logger:            logger,
	})

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	signer := upload.NewSigner(upload.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
	})

	apiHandlers := api.New(authService, chatService, presenceAgg, signer, notifier)
	wsServer := ws.NewServer(authService, ws.ServerConfig{
		Hub:        hub,
		Bus:        bus,
		Chat:       chatService,
		Presence:   presenceAgg,
		FrameRate:  cfg.FrameRate,
		FrameBurst: cfg.FrameBurst,
		Logger:     logger,
	})
	adminHandler := api.NewAdminHandler(authService, bbStorage, hub)

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gCtx)
		})
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		if err := notifier.Drain(shutdownCtx); err != nil {
			log.Printf("Push delivery drain error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		log.Fatalf("Application error: %v", err)
	}
}
