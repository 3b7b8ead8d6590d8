package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/platform"
)

type (
	tweetRequest struct {
		Text  string      `json:"text"`
		Reply *replyField `json:"reply,omitempty"`
		Media *mediaField `json:"media,omitempty"`
	}

	replyField struct {
		InReplyToTweetID string `json:"in_reply_to_tweet_id"`
	}

	mediaField struct {
		MediaIDs []string `json:"media_ids"`
	}

	tweetResponse struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}

	User struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Username      string `json:"username"`
		Description   string `json:"description"`
		PublicMetrics struct {
			Followers int `json:"followers_count"`
			Following int `json:"following_count"`
			Tweets    int `json:"tweet_count"`
		} `json:"public_metrics"`
	}

	Tweet struct {
		ID        string    `json:"id"`
		Text      string    `json:"text"`
		AuthorID  string    `json:"author_id"`
		CreatedAt time.Time `json:"created_at"`
		Metrics   struct {
			Likes    int `json:"like_count"`
			Retweets int `json:"retweet_count"`
			Replies  int `json:"reply_count"`
		} `json:"public_metrics"`
		Author *User `json:"-"`
	}

	DMEvent struct {
		ID             string    `json:"id"`
		EventType      string    `json:"event_type"`
		Text           string    `json:"text"`
		SenderID       string    `json:"sender_id"`
		ConversationID string    `json:"dm_conversation_id"`
		CreatedAt      time.Time `json:"created_at"`
	}
)

// PostTweet publishes text, optionally with already uploaded media.
func (u *UserClient) PostTweet(ctx context.Context, text string, mediaIDs ...string) platform.Result {
	req := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		req.Media = &mediaField{MediaIDs: mediaIDs}
	}
	return u.createTweet(ctx, req)
}

func (u *UserClient) Reply(ctx context.Context, inReplyTo, text string) platform.Result {
	return u.createTweet(ctx, tweetRequest{Text: text, Reply: &replyField{InReplyToTweetID: inReplyTo}})
}

func (u *UserClient) createTweet(ctx context.Context, req tweetRequest) platform.Result {
	var out tweetResponse
	if err := u.doJSON(ctx, u.writes, http.MethodPost, "/2/tweets", nil, req, &out); err != nil {
		return platform.Failed(platform.KindOf(err), err)
	}
	return platform.Succeeded(out.Data.ID, "https://x.com/i/status/"+out.Data.ID)
}

// SendDM sends a direct message to recipientID, opening a conversation if needed.
func (u *UserClient) SendDM(ctx context.Context, recipientID, text string) platform.Result {
	var out struct {
		Data struct {
			ConversationID string `json:"dm_conversation_id"`
			EventID        string `json:"dm_event_id"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/2/dm_conversations/with/%s/messages", url.PathEscape(recipientID))
	if err := u.doJSON(ctx, u.writes, http.MethodPost, path, nil, map[string]string{"text": text}, &out); err != nil {
		return platform.Failed(platform.KindOf(err), err)
	}
	return platform.Succeeded(out.Data.EventID, "")
}

// ListDMEvents returns recent message events, newest first.
func (u *UserClient) ListDMEvents(ctx context.Context, limit int) ([]DMEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("event_types", "MessageCreate")
	q.Set("dm_event.fields", "id,text,sender_id,dm_conversation_id,created_at")

	var out struct {
		Data []DMEvent `json:"data"`
	}
	if err := u.doJSON(ctx, u.reads, http.MethodGet, "/2/dm_events", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (u *UserClient) LookupUser(ctx context.Context, username string) (*User, error) {
	q := url.Values{}
	q.Set("user.fields", "description,public_metrics")

	var out struct {
		Data *User `json:"data"`
	}
	if err := u.doJSON(ctx, u.reads, http.MethodGet, "/2/users/by/username/"+url.PathEscape(username), q, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, &platform.Error{Kind: platform.KindPrivate, Err: fmt.Errorf("user %s not found", username)}
	}
	return out.Data, nil
}

// SearchRecent runs a recent search and attaches the expanded author to each tweet.
func (u *UserClient) SearchRecent(ctx context.Context, query string, limit int) ([]Tweet, error) {
	if limit < 10 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("tweet.fields", "author_id,created_at,public_metrics")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "description,public_metrics")

	var out struct {
		Data     []Tweet `json:"data"`
		Includes struct {
			Users []User `json:"users"`
		} `json:"includes"`
	}
	if err := u.doJSON(ctx, u.reads, http.MethodGet, "/2/tweets/search/recent", q, nil, &out); err != nil {
		return nil, err
	}

	users := make(map[string]*User, len(out.Includes.Users))
	for i := range out.Includes.Users {
		users[out.Includes.Users[i].ID] = &out.Includes.Users[i]
	}
	for i := range out.Data {
		out.Data[i].Author = users[out.Data[i].AuthorID]
	}
	return out.Data, nil
}
