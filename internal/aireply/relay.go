// Package aireply synthesizes bot replies to user comments. The relay is a
// non-essential enhancement: it runs detached from the comment submission and
// its failures are logged, never surfaced.
package aireply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"wikifeedia/api/internal/metrics"
	"wikifeedia/api/internal/store"
	"wikifeedia/api/internal/util"
)

// BotUsername is the display name attached to synthesized comments.
const BotUsername = "AI_Bot"

const systemPrompt = "You are a friendly AI bot on Wikifeedia. Keep responses short (2-3 sentences max), conversational, and helpful. No emojis unless it adds to the conversation."

var ErrNoReply = errors.New("no reply generated")

// CompletionClient produces a reply to a user comment.
type CompletionClient interface {
	Reply(ctx context.Context, title, username, userComment string) (string, error)
}

// DeepSeekClient calls the DeepSeek chat-completion API (OpenAI wire format).
type DeepSeekClient struct {
	client *openai.Client
	model  string
}

func NewDeepSeekClient(apiKey, baseURL, model string) *DeepSeekClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &DeepSeekClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *DeepSeekClient) Reply(ctx context.Context, title, username, userComment string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.7,
		MaxTokens:   150,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Post: %q\n\nUser @%s commented: %q\n\nWrite a natural reply to this comment that adds value to the discussion.",
					title, username, userComment),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoReply
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrNoReply
	}
	return reply, nil
}

type commentInserter interface {
	InsertComment(context.Context, store.Comment) (store.Comment, error)
}

// Input carries the triggering comment's context to the relay.
type Input struct {
	PostID      string
	PostTitle   string
	Username    string
	UserComment string
}

// Relay decides whether a user comment gets a bot reply and delivers it.
type Relay struct {
	client      CompletionClient
	store       commentInserter
	probability float64
	timeout     time.Duration
	chance      func() float64
}

func New(client CompletionClient, store commentInserter, probability float64, timeout time.Duration) *Relay {
	return &Relay{
		client:      client,
		store:       store,
		probability: probability,
		timeout:     timeout,
		chance:      rand.Float64,
	}
}

// Enabled reports whether a completion client is configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.client != nil
}

// Trigger runs the relay detached from the caller. The triggering comment has
// already committed; nothing here can fail it and nothing here blocks it.
func (r *Relay) Trigger(input Input) {
	if !r.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.deliver(ctx, input); err != nil {
			log.Printf("aireply: dropped reply for post %s: %v", input.PostID, err)
		}
	}()
}

// deliver draws the sampling gate, asks the completion service for a reply,
// and stores it as a synthetic comment.
func (r *Relay) deliver(ctx context.Context, input Input) error {
	if r.chance() >= r.probability {
		metrics.AIReplies.WithLabelValues("skipped").Inc()
		return nil
	}

	reply, err := r.client.Reply(ctx, input.PostTitle, input.Username, input.UserComment)
	if err != nil {
		metrics.AIReplies.WithLabelValues("failed").Inc()
		return err
	}

	_, err = r.store.InsertComment(ctx, store.Comment{
		ID:       util.NewID("comment"),
		PostID:   input.PostID,
		UserID:   nil,
		Username: BotUsername,
		Content:  reply,
		IsAI:     true,
	})
	if err != nil {
		metrics.AIReplies.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AIReplies.WithLabelValues("inserted").Inc()
	return nil
}
