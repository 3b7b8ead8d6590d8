// Package content turns model personas and raw captions into platform-ready text using the LLM.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/forbiddencoding/social-autoposter/common/llm"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
)

const (
	MaxCaptionLength = 300
	MaxTweetLength   = 280
	MaxDMLength      = 1000
)

var (
	ErrRefusal = errors.New("llm refused to produce content")
	ErrNoJSON  = errors.New("llm response contains no json array")
)

var (
	jsonArray = regexp.MustCompile(`(?s)\[.*\]`)

	refusalPhrases = []string{
		"i can't help",
		"i cannot help",
		"i can't assist",
		"i cannot assist",
		"i'm not able to",
		"i am not able to",
		"i won't be able to",
		"i'm unable to",
		"as an ai",
		"i can't create",
		"i cannot create",
		"against my guidelines",
	}
)

type Generator struct {
	llm llm.Completer
	log *slog.Logger
}

func New(completer llm.Completer, log *slog.Logger) *Generator {
	return &Generator{llm: completer, log: log}
}

type (
	// Candidate is the feature summary the ranking prompt sees for one subreddit.
	Candidate struct {
		Name            string  `json:"name"`
		AvgUpvotes      float64 `json:"avg_upvotes"`
		Removals        int64   `json:"removals"`
		Members         int64   `json:"members"`
		EngagementScore float64 `json:"engagement_score"`
		InCooldown      bool    `json:"in_cooldown"`
	}

	// RankedPick is one entry of the ranking response. Hour is Eastern Time.
	RankedPick struct {
		Subreddit string `json:"subreddit"`
		Hour      int    `json:"hour"`
		Reason    string `json:"reason"`
	}

	TweetStyle string

	TweetBrief struct {
		Style TweetStyle
		// Signals are trend headlines or recent post titles the tweet may riff on.
		Signals []string
		// ContentType is the presence category to write, for example "question" or "behind_the_scenes".
		ContentType string
	}
)

const (
	StyleTrend    TweetStyle = "trend"
	StylePresence TweetStyle = "presence"
)

func persona(m *entity.Model) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You write social media copy for %s, an online creator.\n", m.Name)
	if m.Persona != "" {
		fmt.Fprintf(&sb, "Persona: %s\n", m.Persona)
	}
	if m.Bio != "" {
		fmt.Fprintf(&sb, "Bio: %s\n", m.Bio)
	}
	sb.WriteString("Never use hashtags on Reddit. Never mention being an AI. Reply with the requested text only.")
	return sb.String()
}

// ImproveCaption rewrites caption as a Reddit title suited to subreddit. An empty subreddit asks for a generic title.
func (g *Generator) ImproveCaption(ctx context.Context, m *entity.Model, caption, subreddit string) (string, error) {
	prompt := fmt.Sprintf("Rewrite this caption as a catchy Reddit post title under %d characters.\nCaption: %s",
		MaxCaptionLength, caption)
	if subreddit != "" {
		prompt += fmt.Sprintf("\nThe post goes to r/%s, match the tone of that community.", subreddit)
	}

	raw, err := g.llm.Complete(ctx, llm.Request{System: persona(m), Prompt: prompt, MaxTokens: 200})
	if err != nil {
		return "", err
	}
	return cleanText(raw, MaxCaptionLength)
}

// AnalyzeImage describes the image at imageURL for downstream prompts.
func (g *Generator) AnalyzeImage(ctx context.Context, m *entity.Model, imageURL string) (string, error) {
	raw, err := g.llm.Complete(ctx, llm.Request{
		System:    persona(m),
		Prompt:    "Describe this photo in two sentences: setting, outfit, mood. Suggest which kind of subreddit it fits.",
		ImageURL:  imageURL,
		MaxTokens: 300,
	})
	if err != nil {
		return "", err
	}
	return cleanText(raw, 0)
}

// RankSubreddits asks for the best n candidates with a posting hour each. The result is unvalidated: names may not
// be in candidates.
func (g *Generator) RankSubreddits(ctx context.Context, m *entity.Model, caption string, candidates []Candidate, n int) ([]RankedPick, error) {
	table, err := json.Marshal(candidates)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Pick the best %d subreddits for this post from the candidates below, best first.
Post: %s
Candidates (avg_upvotes and removals cover the last 30 days): %s
Answer with a JSON array only: [{"subreddit": "name", "hour": 0-23 Eastern Time, "reason": "short justification"}]`,
		n, caption, table)

	raw, err := g.llm.Complete(ctx, llm.Request{System: persona(m), Prompt: prompt, MaxTokens: 600})
	if err != nil {
		return nil, err
	}
	if isRefusal(raw) {
		return nil, ErrRefusal
	}

	var picks []RankedPick
	if err = decodeArray(raw, &picks); err != nil {
		g.log.Warn("unparseable ranking response", slog.Int64("model_id", m.ID), slog.Any("error", err))
		return nil, err
	}
	for i := range picks {
		picks[i].Subreddit = normalizeSubreddit(picks[i].Subreddit)
	}
	return picks, nil
}

// PickSubreddit asks for the single best candidate to post to right now.
func (g *Generator) PickSubreddit(ctx context.Context, m *entity.Model, caption string, candidates []Candidate) (string, error) {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Name)
	}

	prompt := fmt.Sprintf("Which one of these subreddits fits this post best right now? Reply with the subreddit name only.\nPost: %s\nSubreddits: %s",
		caption, strings.Join(names, ", "))

	raw, err := g.llm.Complete(ctx, llm.Request{System: persona(m), Prompt: prompt, MaxTokens: 50})
	if err != nil {
		return "", err
	}
	text, err := cleanText(raw, 0)
	if err != nil {
		return "", err
	}
	return normalizeSubreddit(strings.Fields(text)[0]), nil
}

// DraftCollabDM writes a short shoutout-for-shoutout proposal to handle.
func (g *Generator) DraftCollabDM(ctx context.Context, m *entity.Model, handle, theirBio string) (string, error) {
	prompt := fmt.Sprintf(`Write a friendly, short Twitter DM to @%s proposing a shoutout for shoutout.
Their bio: %s
Keep it under 400 characters, casual, no links.`, handle, theirBio)

	raw, err := g.llm.Complete(ctx, llm.Request{System: persona(m), Prompt: prompt, MaxTokens: 300})
	if err != nil {
		return "", err
	}
	return cleanText(raw, MaxDMLength)
}

// ComposeTweet writes one tweet in the brief's style.
func (g *Generator) ComposeTweet(ctx context.Context, m *entity.Model, brief TweetBrief) (string, error) {
	var prompt string
	switch brief.Style {
	case StyleTrend:
		prompt = fmt.Sprintf("Write one tweet that rides on what people are talking about right now, in the persona's voice.\nTrending: %s",
			strings.Join(brief.Signals, " | "))
	case StylePresence:
		prompt = fmt.Sprintf("Write one casual %s tweet that keeps followers engaged.", strings.ReplaceAll(brief.ContentType, "_", " "))
		if len(brief.Signals) > 0 {
			prompt += "\nDo not repeat these recent tweets: " + strings.Join(brief.Signals, " | ")
		}
	default:
		return "", fmt.Errorf("unknown tweet style %q", brief.Style)
	}
	prompt += fmt.Sprintf("\nAt most %d characters, at most two hashtags.", MaxTweetLength)

	raw, err := g.llm.Complete(ctx, llm.Request{System: persona(m), Prompt: prompt, MaxTokens: 200})
	if err != nil {
		return "", err
	}
	return cleanText(raw, MaxTweetLength)
}

// cleanText trims whitespace and wrapping quotes, rejects refusals and cuts to maxLen runes at a word boundary.
// maxLen zero disables the cut.
func cleanText(raw string, maxLen int) (string, error) {
	text := strings.TrimSpace(raw)
	text = strings.Trim(text, `"“”`)
	text = strings.TrimSpace(text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	if isRefusal(text) {
		return "", ErrRefusal
	}
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text, nil
	}

	runes := []rune(text)[:maxLen]
	for i := len(runes) - 1; i > maxLen/2; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			runes = runes[:i]
			break
		}
	}
	return strings.TrimRight(string(runes), " ,;:-"), nil
}

func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func decodeArray(raw string, out any) error {
	block := jsonArray.FindString(raw)
	if block == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(block), out); err != nil {
		return fmt.Errorf("decode llm json: %w", err)
	}
	return nil
}

func normalizeSubreddit(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, `"'.,`)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(strings.TrimPrefix(name, "r/"), "R/")
	return name
}
