package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/spf13/viper"
)

const (
	EnrichNever            = "never"
	EnrichWhenInsufficient = "when-insufficient"
	EnrichAlways           = "always"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "dynamodb")
	v.SetDefault("storage.dynamodb.services_table", "services")
	v.SetDefault("storage.dynamodb.events_table", "service_events")
	v.SetDefault("storage.dynamodb.runs_table", "job_runs")

	v.SetDefault("feed.max_items", 50)
	v.SetDefault("feed.timeout", 30*time.Second)
	v.SetDefault("feed.retries", 3)
	v.SetDefault("feed.retry_interval", 2*time.Second)
	v.SetDefault("feed.concurrency", 8)
	v.SetDefault("feed.user_agent", "mixstatus/1.0")

	v.SetDefault("crawler.endpoint", "https://api.spider.cloud/crawl")
	v.SetDefault("crawler.return_format", "markdown")
	v.SetDefault("crawler.exclude_selector", "a")
	v.SetDefault("crawler.depth", 0)
	v.SetDefault("crawler.readability", true)
	v.SetDefault("crawler.country_code", "gb")
	v.SetDefault("crawler.timeout", 60*time.Second)
	v.SetDefault("crawler.retries", 2)
	v.SetDefault("crawler.cache_ttl", time.Hour)
	v.SetDefault("crawler.rate_per_second", 1.0)
	v.SetDefault("crawler.concurrency", 4)

	v.SetDefault("ai.temperature", 0.0)
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.max_input_tokens", 12000)
	v.SetDefault("ai.timeout", 60*time.Second)

	v.SetDefault("scanner.unsummarized.batch_size", 10)
	v.SetDefault("scanner.unsummarized.batch_delay", 10*time.Second)
	v.SetDefault("scanner.unsummarized.wait", true)
	v.SetDefault("scanner.unsummarized.wait_interval", time.Second)
	v.SetDefault("scanner.unsummarized.max_wait_attempts", 180)
	v.SetDefault("scanner.unsummarized.lease_ttl", 15*time.Minute)
	v.SetDefault("scanner.timespan.batch_size", 20)
	v.SetDefault("scanner.timespan.batch_delay", 10*time.Second)
	v.SetDefault("scanner.timespan.wait", true)
	v.SetDefault("scanner.timespan.wait_interval", time.Second)
	v.SetDefault("scanner.timespan.max_wait_attempts", 180)
	v.SetDefault("scanner.timespan.lease_ttl", 15*time.Minute)

	v.SetDefault("workflow.queue", "memory")
	v.SetDefault("workflow.retries", 3)
	v.SetDefault("workflow.backoff_initial", 2*time.Second)
	v.SetDefault("workflow.backoff_max", time.Minute)

	v.SetDefault("nats.subject", "mixstatus.service-events")
	v.SetDefault("nats.job_subject_prefix", "mixstatus.jobs")
	v.SetDefault("nats.timeout", 10*time.Second)

	v.SetDefault("slack.notification", "none")

	v.SetDefault("http.addr", ":8080")
}

func NewConfigRepository(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	v.AutomaticEnv()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("read config error: %w", err)
	}

	var c Config
	err = v.Unmarshal(&c)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}
	valid := validator.New()
	if err = valid.Struct(c); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &c, nil
}

type Config struct {
	ServiceList []entity.Service          `mapstructure:"services" validate:"dive"`
	Providers   map[string]ProviderConfig `mapstructure:"providers" validate:"dive"`
	Storage     StorageConfig             `mapstructure:"storage"`
	Feed        FeedConfig                `mapstructure:"feed"`
	Crawler     CrawlerConfig             `mapstructure:"crawler"`
	AI          AIConfig                  `mapstructure:"ai"`
	Scanner     ScannersConfig            `mapstructure:"scanner"`
	Workflow    WorkflowConfig            `mapstructure:"workflow"`
	NATS        NATSConfig                `mapstructure:"nats"`
	Slack       SlackConfig               `mapstructure:"slack"`
	HTTP        HTTPConfig                `mapstructure:"http"`
}

type ProviderConfig struct {
	Enrich   string `mapstructure:"enrich" validate:"omitempty,oneof=never when-insufficient always"`
	MaxItems int    `mapstructure:"max_items" validate:"gte=0"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver" validate:"required,oneof=dynamodb postgres sqlite"`
	DSN      string         `mapstructure:"dsn" validate:"required_unless=Driver dynamodb"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

type DynamoDBConfig struct {
	ServicesTable string `mapstructure:"services_table" validate:"required"`
	EventsTable   string `mapstructure:"events_table" validate:"required"`
	RunsTable     string `mapstructure:"runs_table" validate:"required"`
	Endpoint      string `mapstructure:"endpoint"`
}

type FeedConfig struct {
	MaxItems      int           `mapstructure:"max_items" validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Retries       int           `mapstructure:"retries" validate:"gte=1"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Concurrency   int           `mapstructure:"concurrency" validate:"gt=0"`
	UserAgent     string        `mapstructure:"user_agent"`
}

type CrawlerConfig struct {
	Endpoint        string        `mapstructure:"endpoint" validate:"required,url"`
	ReturnFormat    string        `mapstructure:"return_format" validate:"required"`
	ExcludeSelector string        `mapstructure:"exclude_selector"`
	Depth           int           `mapstructure:"depth" validate:"gte=0"`
	Readability     bool          `mapstructure:"readability"`
	CountryCode     string        `mapstructure:"country_code"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Retries         int           `mapstructure:"retries" validate:"gte=1"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" validate:"gt=0"`
	Concurrency     int           `mapstructure:"concurrency" validate:"gt=0"`
}

type AIConfig struct {
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int           `mapstructure:"max_tokens" validate:"gt=0"`
	MaxInputTokens int           `mapstructure:"max_input_tokens" validate:"gt=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type ScannersConfig struct {
	Unsummarized ScannerConfig `mapstructure:"unsummarized"`
	Timespan     ScannerConfig `mapstructure:"timespan"`
}

type ScannerConfig struct {
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0"`
	BatchDelay      time.Duration `mapstructure:"batch_delay" validate:"gte=0"`
	Wait            bool          `mapstructure:"wait"`
	WaitInterval    time.Duration `mapstructure:"wait_interval" validate:"gt=0"`
	MaxWaitAttempts int           `mapstructure:"max_wait_attempts" validate:"gt=0"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

type WorkflowConfig struct {
	Queue          string                    `mapstructure:"queue" validate:"oneof=memory nats"`
	Retries        int                       `mapstructure:"retries" validate:"gte=0"`
	BackoffInitial time.Duration             `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax     time.Duration             `mapstructure:"backoff_max" validate:"gt=0"`
	Functions      map[string]FunctionConfig `mapstructure:"functions"`
	Schedules      []ScheduleConfig          `mapstructure:"schedules" validate:"dive"`
}

type FunctionConfig struct {
	Concurrency int  `mapstructure:"concurrency" validate:"gte=0"`
	Retries     *int `mapstructure:"retries" validate:"omitempty,gte=0"`
}

type ScheduleConfig struct {
	Event    string        `mapstructure:"event" validate:"required"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Data     string        `mapstructure:"data"`
}

type NATSConfig struct {
	URL              string        `mapstructure:"url"`
	Subject          string        `mapstructure:"subject" validate:"required"`
	JobSubjectPrefix string        `mapstructure:"job_subject_prefix" validate:"required"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type SlackConfig struct {
	Channels     []string `mapstructure:"channels"`
	Notification string   `mapstructure:"notification" validate:"omitempty,oneof=here channel none"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

var defaultProviders = map[string]ProviderConfig{
	entity.SourceProviderRSS:        {Enrich: EnrichWhenInsufficient, MaxItems: 50},
	entity.SourceProviderIncidentIO: {Enrich: EnrichAlways, MaxItems: 5},
}

// Provider は設定値を組み込みの既定値で補完して返す
func (c *Config) Provider(name string) ProviderConfig {
	p := defaultProviders[name]
	if p.Enrich == "" {
		p = defaultProviders[entity.SourceProviderRSS]
	}
	if o, ok := c.Providers[name]; ok {
		if o.Enrich != "" {
			p.Enrich = o.Enrich
		}
		if o.MaxItems > 0 {
			p.MaxItems = o.MaxItems
		}
	}
	if name == entity.SourceProviderRSS && c.Feed.MaxItems > 0 {
		if _, ok := c.Providers[name]; !ok {
			p.MaxItems = c.Feed.MaxItems
		}
	}
	return p
}

func (c *Config) Services(_ context.Context, filter ServiceFilter) ([]entity.Service, error) {
	var services []entity.Service
	for _, service := range c.ServiceList {
		if !filter.Match(service) {
			continue
		}
		services = append(services, service)
	}
	return services, nil
}

func (c *Config) ServiceByID(_ context.Context, id string) (*entity.Service, error) {
	for _, service := range c.ServiceList {
		if service.ID == id {
			return &service, nil
		}
	}
	return nil, ErrServiceUnknown
}
