package service

import (
	"encoding/json"
	"html"
	"log"
	"strings"

	"github.com/gistbin/gistbin/internal/model"
	"github.com/meilisearch/meilisearch-go"
	"github.com/microcosm-cc/bluemonday"
)

const gistIndex = "gists"

type SearchService interface {
	IndexGist(gist *model.Gist) error
	DeleteGist(id string) error
	Search(query string, limit int) ([]string, error)
}

type searchService struct {
	client    meilisearch.ServiceManager
	sanitizer *bluemonday.Policy
}

func NewSearchService(client meilisearch.ServiceManager) SearchService {
	s := &searchService{
		client:    client,
		sanitizer: bluemonday.StrictPolicy(),
	}
	s.initIndexes()
	return s
}

func (s *searchService) initIndexes() {
	// Only public gists are indexed, so no tenant filtering is needed.
	sortableAttrs := []string{"created_at", "views"}
	if _, err := s.client.Index(gistIndex).UpdateSortableAttributes(&sortableAttrs); err != nil {
		log.Printf("Failed to update gist sortable attributes: %v", err)
	}

	// Filename matches outrank description matches.
	searchableAttrs := []string{"file_name", "description", "owner_name"}
	if _, err := s.client.Index(gistIndex).UpdateSearchableAttributes(&searchableAttrs); err != nil {
		log.Printf("Failed to update gist searchable attributes: %v", err)
	}

	log.Println("Meilisearch gist index initialized")
}

type meiliGistDoc struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	FileName    string `json:"file_name"`
	OwnerName   string `json:"owner_name"`
	Views       int    `json:"views"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *searchService) cleanForIndex(content string) string {
	sanitized := s.sanitizer.Sanitize(content)
	cleanText := html.UnescapeString(sanitized)
	return strings.Join(strings.Fields(cleanText), " ")
}

// IndexGist adds or refreshes a gist document. Private gists are removed
// from the index instead, so visibility flips stay consistent.
func (s *searchService) IndexGist(gist *model.Gist) error {
	if gist.Visibility == model.VisibilityPrivate {
		return s.DeleteGist(gist.ID.String())
	}

	doc := meiliGistDoc{
		ID:          gist.ID.String(),
		Description: s.cleanForIndex(gist.Description),
		FileName:    gist.FileName,
		OwnerName:   gist.OwnerName,
		Views:       gist.Views,
		CreatedAt:   gist.CreatedAt.Unix(),
	}

	task, err := s.client.Index(gistIndex).AddDocuments([]meiliGistDoc{doc}, strPtr("id"))
	if err != nil {
		return err
	}
	log.Printf("Indexed gist %s, task id: %d", gist.ID, task.TaskUID)
	return nil
}

func (s *searchService) DeleteGist(id string) error {
	_, err := s.client.Index(gistIndex).DeleteDocument(id)
	return err
}

// Search returns matching gist IDs, newest first among equal matches.
func (s *searchService) Search(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	resp, err := s.client.Index(gistIndex).Search(query, &meilisearch.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resp.Hits)
	if err != nil {
		return nil, err
	}
	var docs []meiliGistDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func strPtr(s string) *string {
	return &s
}
