package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gistbin/gistbin/internal/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ViewService counts gist views in redis with an hourly per-viewer dedupe
// and syncs the counters to the database in the background.
type ViewService interface {
	IncrementView(ctx context.Context, gistID uuid.UUID, viewerKey string) error
	StartViewSyncWorker(ctx context.Context)
}

type viewService struct {
	redisClient *redis.Client
	gistRepo    repository.GistRepository
}

func NewViewService(redisClient *redis.Client, gistRepo repository.GistRepository) ViewService {
	return &viewService{
		redisClient: redisClient,
		gistRepo:    gistRepo,
	}
}

// IncrementView records one view. viewerKey identifies the reader (user ID
// or client address) so refreshes within an hour do not inflate the count.
// Without redis the view is written straight to the database.
func (s *viewService) IncrementView(ctx context.Context, gistID uuid.UUID, viewerKey string) error {
	if s.redisClient == nil {
		return s.gistRepo.IncrementViews(ctx, gistID, 1)
	}

	viewerDedupeKey := fmt.Sprintf("gist:user_view:%s:%s", gistID, viewerKey)

	exists, err := s.redisClient.Exists(ctx, viewerDedupeKey).Result()
	if err != nil {
		return fmt.Errorf("failed to check viewer dedupe: %w", err)
	}
	if exists == 1 {
		return nil
	}

	viewKey := fmt.Sprintf("gist:views:%s", gistID)
	if _, err := s.redisClient.Incr(ctx, viewKey).Result(); err != nil {
		return fmt.Errorf("failed to increment view: %w", err)
	}

	pendingKey := "pending:gist_views"
	if _, err := s.redisClient.SAdd(ctx, pendingKey, gistID.String()).Result(); err != nil {
		return fmt.Errorf("failed to add to pending: %w", err)
	}

	if _, err := s.redisClient.SetEx(ctx, viewerDedupeKey, "viewed", time.Hour).Result(); err != nil {
		return fmt.Errorf("failed to set viewer dedupe: %w", err)
	}

	return nil
}

func (s *viewService) syncViewsToDB(ctx context.Context) {
	pendingKey := "pending:gist_views"

	gistIDs, err := s.redisClient.SMembers(ctx, pendingKey).Result()
	if err != nil {
		log.Printf("Error getting pending gist views: %v", err)
		return
	}
	if len(gistIDs) == 0 {
		return
	}

	for _, gistIDStr := range gistIDs {
		gistID, err := uuid.Parse(gistIDStr)
		if err != nil {
			log.Printf("Invalid gist ID %s: %v", gistIDStr, err)
			continue
		}

		viewKey := fmt.Sprintf("gist:views:%s", gistID)
		viewCountStr, err := s.redisClient.Get(ctx, viewKey).Result()
		if err != nil && err != redis.Nil {
			log.Printf("Error getting view count for gist %s: %v", gistID, err)
			continue
		}
		if viewCountStr == "" {
			continue
		}

		viewCount, err := strconv.Atoi(viewCountStr)
		if err != nil || viewCount <= 0 {
			continue
		}

		if err := s.gistRepo.IncrementViews(ctx, gistID, viewCount); err != nil {
			log.Printf("Failed to sync views for gist %s: %v", gistID, err)
			continue
		}

		if _, err := s.redisClient.Del(ctx, viewKey).Result(); err != nil {
			log.Printf("Failed to reset view counter for gist %s: %v", gistID, err)
		}
	}

	if _, err := s.redisClient.Del(ctx, pendingKey).Result(); err != nil {
		log.Printf("Failed to clear pending view set: %v", err)
	}
}

func (s *viewService) StartViewSyncWorker(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.syncViewsToDB(ctx)
		case <-ctx.Done():
			return
		}
	}
}
