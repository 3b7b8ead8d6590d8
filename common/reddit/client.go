package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/httpx"
	"github.com/forbiddencoding/social-autoposter/common/tokencache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type (
	// Client reads public data with an application token.
	Client struct {
		httpClient *http.Client
		executor   failsafe.Executor[*http.Response]
		writes     failsafe.Executor[*http.Response]
		conf       *config.Reddit
		baseURL    string
		cache      tokencache.Cache
	}

	// UserClient acts as a model's own account.
	UserClient struct {
		*Client
		username   string
		httpClient *http.Client
	}

	passwordSource struct {
		ctx      context.Context
		conf     *oauth2.Config
		username string
		password string
	}
)

func (ps *passwordSource) Token() (*oauth2.Token, error) {
	return ps.conf.PasswordCredentialsToken(ps.ctx, ps.username, ps.password)
}

func New(ctx context.Context, conf *config.Reddit, cache tokencache.Cache, onStateChange func(name, state string)) (*Client, error) {
	if cache == nil {
		cache = tokencache.NewMemory()
	}

	ccConf := &clientcredentials.Config{
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		TokenURL:     conf.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Timeout:   10 * time.Second,
		Transport: httpx.WithUserAgent(conf.UserAgent, nil),
	})
	tokenSrc := tokencache.TokenSource(tokenCtx, cache, "reddit:app", oauth2.ReuseTokenSource(nil, ccConf.TokenSource(tokenCtx)))

	if _, err := tokenSrc.Token(); err != nil {
		return nil, fmt.Errorf("failed to obtain initial OAuth2 token: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, tokenSrc),
				Base:   httpx.WithUserAgent(conf.UserAgent, nil),
			},
		},
		executor: httpx.NewExecutor(httpx.ExecutorConfig{
			Name:           "reddit",
			MaxRetries:     2,
			BaseDelay:      time.Second,
			MaxDelay:       10 * time.Second,
			CircuitBreaker: true,
			OnStateChange:  onStateChange,
		}),
		writes: httpx.NewExecutor(httpx.ExecutorConfig{
			Name:       "reddit_write",
			MaxRetries: 2,
			BaseDelay:  2 * time.Second,
			MaxDelay:   10 * time.Second,
			RetryIf:    httpx.RetryRateLimited,
		}),
		conf:    conf,
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		cache:   cache,
	}, nil
}

// ForUser returns a client authenticated as username using the password grant. Reddit issues no refresh token for
// script apps, so an expired token triggers a fresh login. Tokens are shared through the cache.
func (c *Client) ForUser(ctx context.Context, username, password string) *UserClient {
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{
		Timeout:   10 * time.Second,
		Transport: httpx.WithUserAgent(c.conf.UserAgent, nil),
	})

	login := &passwordSource{
		ctx: tokenCtx,
		conf: &oauth2.Config{
			ClientID:     c.conf.ClientID,
			ClientSecret: c.conf.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  c.conf.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		username: username,
		password: password,
	}

	src := tokencache.TokenSource(tokenCtx, c.cache, "reddit:user:"+strings.ToLower(username), login)

	return &UserClient{
		Client:   c,
		username: username,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, src),
				Base:   httpx.WithUserAgent(c.conf.UserAgent, nil),
			},
		},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return httpx.Do(ctx, c.executor, c.httpClient, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = query.Encode()
		return req, nil
	})
}

func (u *UserClient) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	return httpx.Do(ctx, u.writes, u.httpClient, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}
