package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/forbiddencoding/social-autoposter/common/platform"
)

type (
	Post struct {
		ID                string  `json:"id"`
		Name              string  `json:"name"`
		Title             string  `json:"title"`
		URL               string  `json:"url"`
		Subreddit         string  `json:"subreddit"`
		CreatedUTC        float64 `json:"created_utc"`
		NSFW              bool    `json:"over_18"`
		Score             int     `json:"score"`
		Ups               int     `json:"ups"`
		NumComments       int     `json:"num_comments"`
		RemovedByCategory string  `json:"removed_by_category"`
		Permalink         string  `json:"permalink"`
	}

	listing struct {
		Data struct {
			Children []struct {
				Data Post `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}

	SubredditAbout struct {
		Name              string `json:"display_name"`
		Subscribers       int64  `json:"subscribers"`
		ActiveUsers       int64  `json:"active_user_count"`
		NSFW              bool   `json:"over18"`
		SubredditType     string `json:"subreddit_type"`
		UserIsBanned      bool   `json:"user_is_banned"`
		SubmissionType    string `json:"submission_type"`
		AllowImages       bool   `json:"allow_images"`
		UserIsContributor bool   `json:"user_is_contributor"`
	}

	GetPostsInput struct {
		Keyword     string
		Subreddit   string
		Sort        string
		Time        string
		Limit       int
		IncludeNSFW bool
	}

	GetPostsOutput struct {
		Posts []Post
	}

	SubmitImagePostInput struct {
		Subreddit string
		Title     string
		URL       string
		NSFW      bool
	}
)

// Removed reports whether moderators, admins or automod took the post down.
func (p *Post) Removed() bool {
	return p.RemovedByCategory != ""
}

func (p *Post) GetPermalink() string {
	return fmt.Sprintf("https://www.reddit.com%s", p.Permalink)
}

type RateLimitError struct {
	Message           string
	SecondsUntilReset int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func (e *RateLimitError) Is(target error) bool {
	return target == RateLimitErr
}

var RateLimitErr = errors.New("rate limit exceeded")

func rateLimitError(resp *http.Response) error {
	rLErr := &RateLimitError{
		Message: "rate limit exceeded",
	}
	if reset := resp.Header.Get("X-Ratelimit-Reset"); reset != "" {
		if seconds, err := strconv.Atoi(reset); err == nil {
			rLErr.SecondsUntilReset = seconds
		}
	}
	return rLErr
}

// GetPosts searches a subreddit. Without a keyword it lists the subreddit by Sort (hot, top, new).
func (c *Client) GetPosts(ctx context.Context, in *GetPostsInput) (*GetPostsOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	sort := in.Sort
	if sort == "" {
		sort = "hot"
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")

	path := fmt.Sprintf("/r/%s/%s", url.PathEscape(in.Subreddit), sort)
	if in.Keyword != "" {
		path = fmt.Sprintf("/r/%s/search", url.PathEscape(in.Subreddit))
		q.Set("q", in.Keyword)
		q.Set("restrict_sr", "1")
		q.Set("sort", sort)
	}
	if in.Time != "" {
		q.Set("t", in.Time)
	}
	if in.IncludeNSFW {
		q.Set("include_over_18", "on")
	}

	var response listing
	if err := c.getJSON(ctx, path, q, &response); err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(response.Data.Children))
	for _, child := range response.Data.Children {
		if !in.IncludeNSFW && child.Data.NSFW {
			continue
		}
		posts = append(posts, child.Data)
	}

	return &GetPostsOutput{Posts: posts}, nil
}

// GetPostInfo looks up posts by fullname (t3_xxx). Unknown names are omitted from the result.
func (c *Client) GetPostInfo(ctx context.Context, fullnames []string) ([]Post, error) {
	if len(fullnames) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("id", strings.Join(fullnames, ","))
	q.Set("raw_json", "1")

	var response listing
	if err := c.getJSON(ctx, "/api/info", q, &response); err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(response.Data.Children))
	for _, child := range response.Data.Children {
		posts = append(posts, child.Data)
	}
	return posts, nil
}

func (c *Client) AboutSubreddit(ctx context.Context, name string) (*SubredditAbout, error) {
	var response struct {
		Data SubredditAbout `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/r/%s/about", url.PathEscape(name)), url.Values{"raw_json": {"1"}}, &response); err != nil {
		return nil, err
	}
	return &response.Data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return rateLimitError(resp)
	case http.StatusOK:
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	default:
		return &platform.Error{
			Kind: platform.KindForStatus(resp.StatusCode),
			Err:  fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}
}

type submitResponse struct {
	JSON struct {
		Errors [][]string `json:"errors"`
		Data   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"data"`
	} `json:"json"`
}

// submitErrorKinds maps reddit API error codes to result kinds.
var submitErrorKinds = map[string]platform.ErrorKind{
	"SUBREDDIT_NOEXIST":     platform.KindPrivate,
	"SUBREDDIT_NOTALLOWED":  platform.KindPrivate,
	"SUBREDDIT_REQUIRED":    platform.KindPrivate,
	"USER_BANNED":           platform.KindBanned,
	"BANNED_FROM_SUBREDDIT": platform.KindBanned,
	"NO_LINKS":              platform.KindRestricted,
	"NO_SELFS":              platform.KindRestricted,
	"RATELIMIT":             platform.KindRateLimited,
	"BAD_URL":               platform.KindUpload,
	"INVALID_URL":           platform.KindUpload,
}

// SubmitImagePost submits url as a link post. Failures come back in the result, never as an error.
func (u *UserClient) SubmitImagePost(ctx context.Context, in *SubmitImagePostInput) platform.Result {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("kind", "link")
	form.Set("sr", in.Subreddit)
	form.Set("title", in.Title)
	form.Set("url", in.URL)
	form.Set("resubmit", "true")
	form.Set("sendreplies", "true")
	if in.NSFW {
		form.Set("nsfw", "true")
	}

	resp, err := u.postForm(ctx, "/api/submit", form)
	if err != nil {
		return platform.Failed(platform.KindOf(err), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return platform.Failed(platform.KindForStatus(resp.StatusCode), fmt.Errorf("submit to r/%s: status %d", in.Subreddit, resp.StatusCode))
	}

	var out submitResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return platform.Failed(platform.KindUnknown, fmt.Errorf("decode submit response: %w", err))
	}

	if len(out.JSON.Errors) > 0 && len(out.JSON.Errors[0]) > 0 {
		e := out.JSON.Errors[0]
		code := e[0]
		msg := code
		if len(e) > 1 {
			msg = code + ": " + e[1]
		}
		kind, ok := submitErrorKinds[code]
		if !ok {
			kind = platform.ClassifyMessage(msg)
		}
		return platform.Failed(kind, errors.New(msg))
	}

	if out.JSON.Data.URL == "" {
		return platform.Failed(platform.KindUnknown, errors.New("submit returned no post url"))
	}

	id := out.JSON.Data.Name
	if id == "" && out.JSON.Data.ID != "" {
		id = "t3_" + out.JSON.Data.ID
	}
	return platform.Succeeded(id, out.JSON.Data.URL)
}
