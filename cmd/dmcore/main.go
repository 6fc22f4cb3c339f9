package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/dmcore/internal/auth"
	"github.com/ageniuscoder/mmchat/dmcore/internal/chat"
	"github.com/ageniuscoder/mmchat/dmcore/internal/chats"
	"github.com/ageniuscoder/mmchat/dmcore/internal/config"
	"github.com/ageniuscoder/mmchat/dmcore/internal/delivery"
	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
	"github.com/ageniuscoder/mmchat/dmcore/internal/logger"
	"github.com/ageniuscoder/mmchat/dmcore/internal/messages"
	"github.com/ageniuscoder/mmchat/dmcore/internal/metrics"
	"github.com/ageniuscoder/mmchat/dmcore/internal/presence"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
	"github.com/ageniuscoder/mmchat/dmcore/internal/users"
)

func main() {
	migrate := flag.Bool("migrate", false, "run migrations and exits")
	mintToken := flag.String("mint-token", "", "print a signed token for the given user id and exit")
	addUser := flag.String("add-user", "", "create a user given as id:displayName and exit")
	repair := flag.String("repair-chat", "", "re-derive the last-message pointer of the chat given as userA:userB and exit")
	flag.Parse()

	//config part
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error Loading Env file: %v\n", err)
		os.Exit(1)
	}
	cfg := config.MustLoad()
	log := logger.Init(cfg.AppEnv)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if *mintToken != "" {
		tok, err := auth.NewToken(cfg.JWTSecret, *mintToken, cfg.JWTTTLMin)
		if err != nil {
			log.Fatal().Err(err).Msg("mint token")
		}
		fmt.Println(tok)
		return
	}

	//database handling
	db, err := storage.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("Error loading to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	if *migrate {
		log.Info().Msg("Migration Completed")
		return
	}

	userStore := users.NewStore(db)
	if *addUser != "" {
		id, name, _ := strings.Cut(*addUser, ":")
		u, err := userStore.Create(context.Background(), id, name)
		if err != nil {
			log.Fatal().Err(err).Str("user_id", id).Msg("add user")
		}
		log.Info().Str("user_id", u.ID).Msg("user created")
		return
	}

	if *repair != "" {
		chat, err := repairChat(context.Background(), db, userStore, *repair)
		if err != nil {
			log.Fatal().Err(err).Str("pair", *repair).Msg("repair chat")
		}
		log.Info().Str("chat_id", chat.ID).Str("last_message_id", chat.LastMessageID).Msg("chat repaired")
		return
	}

	if err := run(cfg, db, userStore, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, db *storage.DB, userStore *users.Store, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgStore := messages.NewStore(db, messages.WithEditWindow(cfg.EditWindow))

	indexOpts := []chats.Option{chats.WithLogger(logger.Component("chats"))}
	if rdb := openRedis(ctx, cfg, log); rdb != nil {
		defer rdb.Close()
		indexOpts = append(indexOpts, chats.WithCache(chats.NewRedisPairCache(rdb, cfg.ChatCacheTTL)))
	}
	index := chats.NewIndex(db, msgStore, indexOpts...)

	fanout, err := delivery.ParseFanout(cfg.PresenceFanout)
	if err != nil {
		return err
	}
	coord := delivery.New(msgStore, index, userStore, presence.NewLocal(),
		delivery.WithFanout(fanout),
		delivery.WithLogger(logger.Component("delivery")),
	)
	hub := chat.NewHub(coord, logger.Component("ws"))
	gate := auth.NewGate(cfg.JWTSecret, userStore)

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logger.Requests(logger.Component("http")), metrics.Middleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	chat.RegisterWS(r, hub, gate, cfg.AllowedOrigins)

	api := r.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			httpx.Fail(c, fmt.Errorf("database unavailable: %w", err))
			return
		}
		httpx.OK(c, gin.H{"status": "ok", "connections": hub.Len()})
	})

	protected := api.Group("", auth.Middleware(gate))
	users.Register(protected, userStore)
	chats.Register(protected, index, userStore, msgStore)
	messages.Register(protected, msgStore, coord)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("driver", db.Driver).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openRedis returns nil when Redis is not configured or unreachable; the chat
// index then runs without its pair cache.
func openRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, chat cache disabled")
		rdb.Close()
		return nil
	}
	return rdb
}
