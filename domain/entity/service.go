package entity

const (
	SourceProviderRSS        = "rss"
	SourceProviderIncidentIO = "incident-io"

	SourceTypeRSSFeed = "rss_feed"
)

type Service struct {
	ID             string `json:"id" mapstructure:"id" validate:"required" dynamo:"id,hash" gorm:"primaryKey"`
	Name           string `json:"name" mapstructure:"name" validate:"required" dynamo:"name"`
	Slug           string `json:"slug" mapstructure:"slug" dynamo:"slug"`
	Domain         string `json:"domain" mapstructure:"domain" dynamo:"domain"`
	FeedURL        string `json:"feed_url" mapstructure:"feed_url" validate:"required,url" dynamo:"feed_url"`
	SourceProvider string `json:"source_provider" mapstructure:"source_provider" dynamo:"source_provider" gorm:"index"`
	SourceType     string `json:"source_type" mapstructure:"source_type" dynamo:"source_type"`
	Disabled       bool   `json:"disabled" mapstructure:"disabled" dynamo:"disabled"`
}

// Provider は未設定の場合に汎用RSSとして扱う
func (s Service) Provider() string {
	if s.SourceProvider == "" {
		return SourceProviderRSS
	}
	return s.SourceProvider
}

func (s Service) Type() string {
	if s.SourceType == "" {
		return SourceTypeRSSFeed
	}
	return s.SourceType
}
