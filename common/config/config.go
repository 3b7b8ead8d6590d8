package config

import "time"

type (
	Config struct {
		Server      Server      `koanf:"server" yaml:"server" validate:"required"`
		Temporal    Temporal    `koanf:"temporal" yaml:"temporal" validate:"required"`
		Persistence Persistence `koanf:"persistence" yaml:"persistence" validate:"required"`
		Redis       Redis       `koanf:"redis" yaml:"redis"`
		Reddit      Reddit      `koanf:"reddit" yaml:"reddit" validate:"required"`
		Twitter     Twitter     `koanf:"twitter" yaml:"twitter"`
		Anthropic   Anthropic   `koanf:"anthropic" yaml:"anthropic" validate:"required"`
		Telegram    Telegram    `koanf:"telegram" yaml:"telegram" validate:"required"`
		Scheduler   Scheduler   `koanf:"scheduler" yaml:"scheduler"`
		Engines     Engines     `koanf:"engines" yaml:"engines"`
		Budget      Budget      `koanf:"budget" yaml:"budget"`
		Queues      Queues      `koanf:"queues" yaml:"queues"`
	}

	Server struct {
		Host string `koanf:"host"`
		Port int    `koanf:"port" validate:"required,min=1,max=65535"`
	}

	Temporal struct {
		HostPort  string `koanf:"hostPort" validate:"required"`
		Namespace string `koanf:"namespace" validate:"required"`
	}

	Persistence struct {
		Driver   string `koanf:"driver" validate:"required,oneof=postgres memory"`
		DSN      string `koanf:"dsn" validate:"required_if=Driver postgres"`
		MaxConns int32  `koanf:"maxConns" validate:"min=0"`
	}

	// Redis is optional. Without addresses the token cache stays in process.
	Redis struct {
		Addrs    []string `koanf:"addrs"`
		Username string   `koanf:"username"`
		Password string   `koanf:"password"`
		DB       int      `koanf:"db"`
	}

	Reddit struct {
		ClientID     string `koanf:"clientId" validate:"required"`
		ClientSecret string `koanf:"clientSecret" validate:"required"`
		UserAgent    string `koanf:"userAgent" validate:"required"`
		BaseURL      string `koanf:"baseUrl" validate:"omitempty,url"`
		TokenURL     string `koanf:"tokenUrl" validate:"omitempty,url"`
	}

	Twitter struct {
		ClientID       string `koanf:"clientId"`
		ClientSecret   string `koanf:"clientSecret"`
		ConsumerKey    string `koanf:"consumerKey"`
		ConsumerSecret string `koanf:"consumerSecret"`
		BaseURL        string `koanf:"baseUrl" validate:"omitempty,url"`
		UploadURL      string `koanf:"uploadUrl" validate:"omitempty,url"`
		TokenURL       string `koanf:"tokenUrl" validate:"omitempty,url"`
	}

	Anthropic struct {
		APIKey    string        `koanf:"apiKey" validate:"required"`
		Model     string        `koanf:"model" validate:"required"`
		BaseURL   string        `koanf:"baseUrl" validate:"omitempty,url"`
		MaxTokens int           `koanf:"maxTokens" validate:"min=0"`
		Timeout   time.Duration `koanf:"timeout"`
	}

	Telegram struct {
		Token       string `koanf:"token" validate:"required"`
		APIEndpoint string `koanf:"apiEndpoint"`
	}

	Scheduler struct {
		TickInterval    time.Duration `koanf:"tickInterval"`
		BatchSize       int           `koanf:"batchSize" validate:"min=0"`
		PublishSpacing  time.Duration `koanf:"publishSpacing"`
		ProcessingLease time.Duration `koanf:"processingLease"`
		PeakHoursET     []int         `koanf:"peakHoursEt" validate:"dive,min=0,max=23"`
	}

	Engines struct {
		TrendRiderInterval time.Duration `koanf:"trendRiderInterval"`
		PresenceInterval   time.Duration `koanf:"presenceInterval"`
		CollabHunterAt     string        `koanf:"collabHunterAt" validate:"omitempty,datetime=15:04"`
		CollabDailyDMs     int           `koanf:"collabDailyDms" validate:"min=0"`
		UTCOffsetHours     int           `koanf:"utcOffsetHours" validate:"min=-12,max=14"`
		// SearchQuery feeds trend signals and collab discovery. Empty disables both searches.
		SearchQuery        string        `koanf:"searchQuery"`
	}

	Budget struct {
		MonthlyCeiling int    `koanf:"monthlyCeiling" validate:"min=0"`
		WritePrefix    string `koanf:"writePrefix"`
	}

	Queues struct {
		Commands  Queue `koanf:"commands"`
		Posts     Queue `koanf:"posts"`
		Discovery Queue `koanf:"discovery"`

		// DiscoveryInterval is how often the Temporal schedule refreshes subreddit performance. Zero disables it.
		DiscoveryInterval time.Duration `koanf:"discoveryInterval"`
	}

	Queue struct {
		Name        string        `koanf:"name"`
		Concurrency int           `koanf:"concurrency" validate:"min=0"`
		RateLimit   int           `koanf:"rateLimit" validate:"min=0"`
		RatePeriod  time.Duration `koanf:"ratePeriod"`
	}
)

// ActivitiesPerSecond converts the configured limit into the per-second rate the worker enforces.
// Zero means unlimited.
func (q Queue) ActivitiesPerSecond() float64 {
	if q.RateLimit <= 0 || q.RatePeriod <= 0 {
		return 0
	}
	return float64(q.RateLimit) / q.RatePeriod.Seconds()
}

func (c *Config) applyDefaults() {
	if c.Persistence.MaxConns == 0 {
		c.Persistence.MaxConns = 10
	}
	if c.Reddit.BaseURL == "" {
		c.Reddit.BaseURL = "https://oauth.reddit.com"
	}
	if c.Reddit.TokenURL == "" {
		c.Reddit.TokenURL = "https://www.reddit.com/api/v1/access_token"
	}
	if c.Twitter.BaseURL == "" {
		c.Twitter.BaseURL = "https://api.twitter.com"
	}
	if c.Twitter.UploadURL == "" {
		c.Twitter.UploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	}
	if c.Twitter.TokenURL == "" {
		c.Twitter.TokenURL = "https://api.twitter.com/2/oauth2/token"
	}
	if c.Anthropic.BaseURL == "" {
		c.Anthropic.BaseURL = "https://api.anthropic.com"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 1024
	}
	if c.Anthropic.Timeout == 0 {
		c.Anthropic.Timeout = 60 * time.Second
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 5 * time.Minute
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 3
	}
	if c.Scheduler.PublishSpacing == 0 {
		c.Scheduler.PublishSpacing = 3 * time.Second
	}
	if c.Scheduler.ProcessingLease == 0 {
		c.Scheduler.ProcessingLease = 30 * time.Minute
	}
	if len(c.Scheduler.PeakHoursET) == 0 {
		c.Scheduler.PeakHoursET = []int{7, 12, 17, 20}
	}
	if c.Engines.TrendRiderInterval == 0 {
		c.Engines.TrendRiderInterval = 6 * time.Hour
	}
	if c.Engines.PresenceInterval == 0 {
		c.Engines.PresenceInterval = 8 * time.Hour
	}
	if c.Engines.CollabHunterAt == "" {
		c.Engines.CollabHunterAt = "10:00"
	}
	if c.Engines.CollabDailyDMs == 0 {
		c.Engines.CollabDailyDMs = 3
	}
	if c.Engines.UTCOffsetHours == 0 {
		c.Engines.UTCOffsetHours = -5
	}
	if c.Budget.MonthlyCeiling == 0 {
		c.Budget.MonthlyCeiling = 400
	}
	if c.Budget.WritePrefix == "" {
		c.Budget.WritePrefix = "twitter_write"
	}
	if c.Queues.DiscoveryInterval == 0 {
		c.Queues.DiscoveryInterval = 6 * time.Hour
	}
	c.Queues.Commands.withDefaults("commands", 2, 10, time.Minute)
	c.Queues.Posts.withDefaults("posts", 1, 10, time.Minute)
	c.Queues.Discovery.withDefaults("discovery", 1, 30, time.Minute)
}

func (q *Queue) withDefaults(name string, concurrency, limit int, period time.Duration) {
	if q.Name == "" {
		q.Name = name
	}
	if q.Concurrency == 0 {
		q.Concurrency = concurrency
	}
	if q.RateLimit == 0 {
		q.RateLimit = limit
	}
	if q.RatePeriod == 0 {
		q.RatePeriod = period
	}
}
