package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/httpx"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/tokencache"
	"golang.org/x/oauth2"
)

var ErrNotConnected = errors.New("model has no twitter credentials")

// TokenStore persists rotated user tokens.
type TokenStore interface {
	UpdateModelTwitterToken(ctx context.Context, in *entity.UpdateModelTwitterTokenInput) (*entity.UpdateModelTwitterTokenOutput, error)
}

type Client struct {
	conf    *config.Twitter
	baseURL string
	cache   tokencache.Cache
	store   TokenStore
	reads   failsafe.Executor[*http.Response]
	writes  failsafe.Executor[*http.Response]
	plain   *http.Client
}

func New(conf *config.Twitter, cache tokencache.Cache, store TokenStore, onStateChange func(name, state string)) (*Client, error) {
	if conf.ClientID == "" {
		return nil, errors.New("twitter client id is required")
	}
	if cache == nil {
		cache = tokencache.NewMemory()
	}

	return &Client{
		conf:    conf,
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		cache:   cache,
		store:   store,
		reads: httpx.NewExecutor(httpx.ExecutorConfig{
			Name:           "twitter",
			MaxRetries:     2,
			BaseDelay:      time.Second,
			MaxDelay:       10 * time.Second,
			CircuitBreaker: true,
			OnStateChange:  onStateChange,
		}),
		writes: httpx.NewExecutor(httpx.ExecutorConfig{
			Name:       "twitter_write",
			MaxRetries: 1,
			BaseDelay:  5 * time.Second,
			RetryIf:    httpx.RetryRateLimited,
		}),
		plain: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// UserClient acts as one model's account.
type UserClient struct {
	*Client
	userID     string
	httpClient *http.Client
	signer     *oauth1Signer
}

type persistingSource struct {
	ctx     context.Context
	modelID int64
	base    oauth2.TokenSource
	store   TokenStore

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.AccessToken != s.last && s.store != nil {
		if _, err = s.store.UpdateModelTwitterToken(s.ctx, &entity.UpdateModelTwitterTokenInput{
			ID:           s.modelID,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}); err != nil {
			return nil, fmt.Errorf("persist refreshed twitter token: %w", err)
		}
	}
	s.last = tok.AccessToken
	return tok, nil
}

// ForModel builds a client from the model's stored OAuth 2.0 user token. Refreshed tokens are written back to the
// store before use, since the refresh token rotates on every refresh.
func (c *Client) ForModel(ctx context.Context, m *entity.Model) (*UserClient, error) {
	if m.TwitterRefreshToken == "" && m.TwitterAccessToken == "" {
		return nil, ErrNotConnected
	}

	ctx = context.WithoutCancel(ctx)

	conf := &oauth2.Config{
		ClientID:     c.conf.ClientID,
		ClientSecret: c.conf.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.conf.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	initial := &oauth2.Token{
		AccessToken:  m.TwitterAccessToken,
		RefreshToken: m.TwitterRefreshToken,
		TokenType:    "bearer",
	}
	if m.TwitterTokenExpiry != nil {
		initial.Expiry = *m.TwitterTokenExpiry
	}

	refreshing := &persistingSource{
		ctx:     ctx,
		modelID: m.ID,
		base:    conf.TokenSource(ctx, initial),
		store:   c.store,
		last:    m.TwitterAccessToken,
	}
	src := tokencache.TokenSource(ctx, c.cache, "twitter:"+strconv.FormatInt(m.ID, 10), refreshing)

	u := &UserClient{
		Client: c,
		userID: m.TwitterUserID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, src),
			},
		},
	}
	if m.TwitterOAuth1Token != "" && c.conf.ConsumerKey != "" {
		u.signer = newOAuth1Signer(c.conf.ConsumerKey, c.conf.ConsumerSecret, m.TwitterOAuth1Token, m.TwitterOAuth1Secret)
	}
	return u, nil
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e apiError) message() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Title != "":
		return e.Title
	case len(e.Errors) > 0:
		return e.Errors[0].Message
	default:
		return ""
	}
}

// statusError turns a non-2xx response into a kinded error.
func statusError(resp *http.Response, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)
	msg := e.message()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind := platform.KindForStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusForbidden {
		if refined := platform.ClassifyMessage(msg); refined != platform.KindUnknown {
			kind = refined
		}
	}
	if kind == platform.KindRateLimited {
		if reset := resp.Header.Get("X-Rate-Limit-Reset"); reset != "" {
			msg += " (resets at " + reset + ")"
		}
	}
	return &platform.Error{Kind: kind, Err: fmt.Errorf("twitter: status %d: %s", resp.StatusCode, msg)}
}

func (u *UserClient) doJSON(ctx context.Context, exec failsafe.Executor[*http.Response], method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	resp, err := httpx.Do(ctx, exec, u.httpClient, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		target := u.baseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return &platform.Error{Kind: platform.KindAuth, Err: err}
		}
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, body)
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("twitter: decode %s: %w", path, err)
	}
	return nil
}
