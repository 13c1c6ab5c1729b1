package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Feed.validate(); err != nil {
		return err
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be > 0")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (f *FeedConfig) validate() error {
	if len(f.URLs) == 0 {
		return errors.New("feed.urls must contain at least one url")
	}
	for i, raw := range f.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("feed.urls[%d]: %w", i, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("feed.urls[%d] must use ws or wss, got %q", i, raw)
		}
	}

	if f.Token == "" && f.TokenPath == "" {
		return errors.New("feed.token or feed.token_path is required")
	}
	if f.NumConnections < 1 {
		return errors.New("feed.num_connections must be >= 1")
	}
	if f.DedupTTL <= 0 {
		return errors.New("feed.dedup_ttl must be > 0")
	}
	if f.ReconnectMaxDelay < f.ReconnectBaseDelay {
		return fmt.Errorf("feed.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			f.ReconnectMaxDelay, f.ReconnectBaseDelay)
	}
	if f.PingTimeout <= f.PingInterval {
		return fmt.Errorf("feed.ping_timeout (%v) must exceed ping_interval (%v)", f.PingTimeout, f.PingInterval)
	}

	seen := make(map[int64]struct{}, len(f.Subscriptions))
	for i, s := range f.Subscriptions {
		prefix := fmt.Sprintf("feed.subscriptions[%d]", i)
		if s.ID < 1 {
			return fmt.Errorf("%s.id must be >= 1", prefix)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%s.id %d is duplicated", prefix, s.ID)
		}
		seen[s.ID] = struct{}{}

		if len(s.PriceFeedIDs) == 0 {
			return fmt.Errorf("%s.price_feed_ids must not be empty", prefix)
		}
		if s.Channel == "" {
			return fmt.Errorf("%s.channel is required", prefix)
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
