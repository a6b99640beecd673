package news

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config configures the news service.
type Config struct {
	// DailyLimit is the maximum number of stored results per local calendar
	// day, across manual and scheduled runs.
	DailyLimit int `yaml:"daily_limit"`

	// MinScore is the relevance threshold; items below it are discarded.
	MinScore int `yaml:"min_score"`

	// SeedKeywords drive scheduled batch fetches, in order.
	SeedKeywords []string `yaml:"seed_keywords"`

	// StrictCategories rejects AI category labels that match no category row
	// instead of falling back to the first category.
	StrictCategories bool `yaml:"strict_categories"`

	// AdminPassword seeds the initial admin user on an empty database.
	AdminPassword string `yaml:"admin_password"`
}

func (c *Config) defaults() {
	if c.DailyLimit <= 0 {
		c.DailyLimit = 50
	}
	if c.MinScore <= 0 {
		c.MinScore = 50
	}
	if len(c.SeedKeywords) == 0 {
		c.SeedKeywords = []string{"水务", "智慧水务", "污水处理", "水资源管理", "供水"}
	}
	if c.AdminPassword == "" {
		c.AdminPassword = "admin123"
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfig reads a YAML config file. A missing path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.defaults()
	return &c, nil
}
