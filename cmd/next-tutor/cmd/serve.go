package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/ashwinyue/next-tutor/internal/database"
	"github.com/ashwinyue/next-tutor/internal/handler"
	"github.com/ashwinyue/next-tutor/internal/repository"
	"github.com/ashwinyue/next-tutor/internal/router"
	"github.com/ashwinyue/next-tutor/internal/service"
	"github.com/ashwinyue/next-tutor/internal/service/callback"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	serveMigrate bool
	serveWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "run database migrations on startup")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload chat settings when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	// 初始化数据库
	db, err := database.New(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("Database connected: %s", cfg.Database.DBName)

	if serveMigrate {
		if err := db.Migrate(); err != nil {
			return err
		}
	}

	// 初始化 Redis
	redisClient, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// 初始化各层
	callback.SetupGlobalCallbacks(cfg.App.Debug)

	repos := repository.NewRepositories(db.DB)
	services, err := service.NewServices(repos, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("failed to init services: %w", err)
	}
	defer services.Close()

	if serveWatch {
		err := config.Watch(configPath, func(next *config.Config) {
			services.Chat.UpdateConfig(service.ChatConfig(next))
		})
		if err != nil {
			log.Printf("[Config] Warning: failed to watch config: %v", err)
		}
	}

	handlers := handler.NewHandlers(services)
	r := router.SetupRouter(handlers, cfg.Auth.JWTSecret)

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 启动服务器
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Println("Shutting down server...")

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server exited")
	return nil
}

// newRedisClient 未启用 Redis 时返回 nil
func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	log.Printf("Redis connected: %s", cfg.Redis.GetAddr())
	return client, nil
}
