// Package generator turns Wikipedia articles into feed posts via the
// completion service.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"wikifeedia/api/internal/store"
	"wikifeedia/api/internal/util"
	"wikifeedia/api/internal/wiki"
)

const systemPrompt = "You are a social media content creator for a Wikipedia-based platform. Your job is to take Wikipedia content and make it FASCINATING."

const userPromptTemplate = `Wikipedia Article: %s
Content: %s

Create a social media post with:
1. A HOOK TITLE (10-15 words max) that makes people NEED to click
2. The most interesting 2-3 facts/stories from this article
3. A category tag (one of: History, Nature, Science, Technology, Culture, Biography, Mystery)
4. A "why this matters" or "mind-blowing connection" angle

Format your response as JSON:
{
    "title": "The hook title here",
    "content": "The engaging content here (2-4 paragraphs, conversational tone)",
    "category": "Category name",
    "tags": ["tag1", "tag2", "tag3"],
    "quality_score": 7.5,
    "tldr": "One sentence that captures why this is cool"
}

Make it punchy, make it interesting, make people want to read it.`

// Draft is the JSON shape the model is asked to produce.
type Draft struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags"`
	QualityScore float64  `json:"quality_score"`
	TLDR         string   `json:"tldr"`
}

// Drafter produces a post draft from article material.
type Drafter interface {
	Draft(ctx context.Context, title, extract string) (Draft, error)
}

// DeepSeekDrafter implements Drafter against the DeepSeek chat API.
type DeepSeekDrafter struct {
	client *openai.Client
	model  string
}

func NewDeepSeekDrafter(apiKey, baseURL, model string) *DeepSeekDrafter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &DeepSeekDrafter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (d *DeepSeekDrafter) Draft(ctx context.Context, title, extract string) (Draft, error) {
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       d.model,
		Temperature: 0.8,
		MaxTokens:   1500,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptTemplate, title, extract)},
		},
	})
	if err != nil {
		return Draft{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Draft{}, fmt.Errorf("empty completion response")
	}
	return parseDraft(resp.Choices[0].Message.Content)
}

// parseDraft unwraps an optional markdown fence and decodes the JSON draft.
func parseDraft(raw string) (Draft, error) {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}

	var draft Draft
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &draft); err != nil {
		return Draft{}, fmt.Errorf("parse draft json: %w", err)
	}
	if strings.TrimSpace(draft.Title) == "" || strings.TrimSpace(draft.Content) == "" {
		return Draft{}, fmt.Errorf("draft missing title or content")
	}
	return draft, nil
}

type articleSource interface {
	RandomSummary(ctx context.Context) (wiki.Summary, error)
	PageSummary(ctx context.Context, title string) (wiki.Summary, error)
}

type postStore interface {
	InsertPost(context.Context, store.Post) (store.Post, error)
	ListCategories(context.Context) ([]store.Category, error)
}

// Service drives the fetch-draft-insert loop.
type Service struct {
	drafter Drafter
	source  articleSource
	store   postStore
}

func New(drafter Drafter, source articleSource, store postStore) *Service {
	return &Service{drafter: drafter, source: source, store: store}
}

// Enabled reports whether a drafter is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.drafter != nil
}

const maxBatch = 10

// Generate produces up to count posts. Named titles are fetched directly;
// otherwise articles are drawn at random. A failed article is logged and
// skipped; the batch returns whatever succeeded.
func (s *Service) Generate(ctx context.Context, count int, titles []string) ([]store.Post, error) {
	if len(titles) > 0 {
		if len(titles) > maxBatch {
			titles = titles[:maxBatch]
		}
		count = len(titles)
	}
	if count < 1 {
		count = 1
	}
	if count > maxBatch {
		count = maxBatch
	}

	known, err := s.knownCategories(ctx)
	if err != nil {
		return nil, err
	}

	posts := make([]store.Post, 0, count)
	for i := 0; i < count; i++ {
		var summary wiki.Summary
		var err error
		if len(titles) > 0 {
			summary, err = s.source.PageSummary(ctx, titles[i])
		} else {
			summary, err = s.source.RandomSummary(ctx)
		}
		if err != nil {
			log.Printf("generator: fetch article: %v", err)
			continue
		}
		draft, err := s.drafter.Draft(ctx, summary.Title, summary.Extract)
		if err != nil {
			log.Printf("generator: draft for %q: %v", summary.Title, err)
			continue
		}

		category := draft.Category
		if _, ok := known[category]; !ok {
			category = "Culture"
		}
		images := []string{}
		if summary.Thumbnail.Source != "" {
			images = append(images, summary.Thumbnail.Source)
		}

		inserted, err := s.store.InsertPost(ctx, store.Post{
			ID:           util.NewID("post"),
			Title:        draft.Title,
			Content:      draft.Content,
			TLDR:         draft.TLDR,
			Category:     category,
			Tags:         draft.Tags,
			Images:       images,
			QualityScore: draft.QualityScore,
			SourceTitle:  summary.Title,
			WikiURL:      summary.URL(),
		})
		if err != nil {
			log.Printf("generator: insert post for %q: %v", summary.Title, err)
			continue
		}
		posts = append(posts, inserted)
	}
	return posts, nil
}

func (s *Service) knownCategories(ctx context.Context) (map[string]struct{}, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(categories))
	for _, category := range categories {
		known[category.Name] = struct{}{}
	}
	return known, nil
}
