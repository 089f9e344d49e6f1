package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gistbin/gistbin/internal/config"
	"github.com/gistbin/gistbin/internal/handler"
	"github.com/gistbin/gistbin/internal/middleware"
	"github.com/gistbin/gistbin/internal/model"
	"github.com/gistbin/gistbin/internal/repository"
	"github.com/gistbin/gistbin/internal/service"
	"github.com/gistbin/gistbin/pkg/database"
	"github.com/gistbin/gistbin/pkg/storage"
	"github.com/meilisearch/meilisearch-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db := database.Connect()
	if err := migrate(db); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	fileStorage, err := storage.NewCloudinaryStorage(storage.Options{
		CloudName:    cfg.CloudinaryCloudName,
		APIKey:       cfg.CloudinaryAPIKey,
		APISecret:    cfg.CloudinaryAPISecret,
		UploadPreset: cfg.CloudinaryUploadPreset,
		Folder:       cfg.CloudinaryUploadFolder,
		ChunkSize:    cfg.UploadChunkSize,
	})
	if err != nil {
		log.Fatalf("failed to initialize cloudinary storage: %v", err)
	}

	redisClient := connectRedis(cfg.RedisURL)
	searchClient := meilisearch.New(cfg.MeiliSearchHost, meilisearch.WithAPIKey(cfg.MeiliMasterKey))

	userRepo := repository.NewUserRepository(db)
	gistRepo := repository.NewGistRepository(db)

	authService := service.NewAuthService(userRepo, cfg.JWTSecret, time.Duration(cfg.JWTTTLMinutes)*time.Minute)
	searchService := service.NewSearchService(searchClient)
	viewService := service.NewViewService(redisClient, gistRepo)
	uploadService := service.NewUploadService(fileStorage, gistRepo, cfg.MaxFileBytes, cfg.DirectUploadThreshold)
	gistService := service.NewGistService(gistRepo, userRepo, fileStorage, searchService, viewService, cfg.MaxFileBytes)

	authHandler := handler.NewAuthHandler(authService)
	uploadHandler := handler.NewUploadHandler(uploadService, redisClient, cfg.UploadTimeout, cfg.RateLimitUpload)
	gistHandler := handler.NewGistHandler(gistService, redisClient, cfg.RateLimitGist)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.AllowedOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
		}

		uploads := api.Group("/uploads")
		{
			uploads.GET("/config", uploadHandler.GetConfig)
			uploads.POST("/sign", authMiddleware.RequireAuth(), uploadHandler.Sign)
			uploads.POST("/chunked", authMiddleware.RequireAuth(), uploadHandler.UploadChunked)
			uploads.GET("/:id/progress", authMiddleware.RequireAuth(), uploadHandler.Progress)
		}

		gists := api.Group("/gists")
		{
			gists.GET("/public", gistHandler.GetPublicGists)
			gists.GET("/demo", gistHandler.GetDemoGists)
			gists.GET("/search", gistHandler.SearchGists)
			gists.GET("/user/:userId", authMiddleware.OptionalAuth(), gistHandler.GetUserGists)
			gists.GET("/:id", authMiddleware.OptionalAuth(), gistHandler.GetGist)
			gists.GET("/:id/raw", gistHandler.GetRawGist)
			gists.GET("/:id/:filename", gistHandler.GetNamedRawGist)

			gists.POST("", authMiddleware.RequireAuth(), gistHandler.CreateGist)
			gists.PATCH("/:id", authMiddleware.RequireAuth(), gistHandler.UpdateGist)
			gists.DELETE("/:id", authMiddleware.RequireAuth(), gistHandler.DeleteGist)
		}
	}

	// Background workers share the process lifetime.
	if redisClient != nil {
		go viewService.StartViewSyncWorker(context.Background())
	}

	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			log.Println("Running orphan file cleanup...")
			if err := uploadService.CleanupOrphanFiles(context.Background()); err != nil {
				log.Printf("Error cleaning up orphan files: %v", err)
			} else {
				log.Println("Orphan file cleanup completed.")
			}
		}
	}()

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Gist{},
		&model.SharedFile{},
	)
}

// connectRedis returns nil when no URL is configured; callers degrade to
// database-only counting and skip rate limiting.
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("REDIS_URL not set, running without redis")
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unreachable, running without redis: %v", err)
		return nil
	}

	return client
}
