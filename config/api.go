package config

type ApiConfig struct {
	Server struct {
		Host string `toml:"host" env:"KOBOPAY_SERVER_HOST" env-default:"0.0.0.0"`
		Port string `toml:"port" env:"KOBOPAY_SERVER_PORT" env-default:"8080"`
	} `toml:"server"`

	Database struct {
		Host            string `toml:"host" env:"KOBOPAY_DB_HOST"`
		Port            string `toml:"port" env:"KOBOPAY_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"KOBOPAY_DB_USER"`
		Password        string `toml:"password" env:"KOBOPAY_DB_PASSWORD"`
		DB              string `toml:"db" env:"KOBOPAY_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"KOBOPAY_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"KOBOPAY_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"KOBOPAY_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"KOBOPAY_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"KOBOPAY_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"KOBOPAY_REDIS_HOST"`
		Port     string `toml:"port" env:"KOBOPAY_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"KOBOPAY_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"KOBOPAY_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Offline struct {
		MaxAgeDays             int   `toml:"max_age_days" env:"KOBOPAY_OFFLINE_MAX_AGE_DAYS" env-default:"30"`
		FutureToleranceMinutes int   `toml:"future_tolerance_minutes" env:"KOBOPAY_OFFLINE_FUTURE_TOLERANCE_MINUTES" env-default:"5"`
		BatchMax               int   `toml:"batch_max" env:"KOBOPAY_OFFLINE_BATCH_MAX" env-default:"100"`
		MaxAmountKobo          int64 `toml:"max_amount_kobo" env:"KOBOPAY_OFFLINE_MAX_AMOUNT_KOBO" env-default:"1000000000"`
	} `toml:"offline"`

	Nonce struct {
		RetentionDays int `toml:"retention_days" env:"KOBOPAY_NONCE_RETENTION_DAYS" env-default:"7"`
	} `toml:"nonce"`

	Chat struct {
		MaxMessages     int `toml:"max_messages" env:"KOBOPAY_CHAT_MAX_MESSAGES" env-default:"20"`
		CacheTTLSeconds int `toml:"cache_ttl_seconds" env:"KOBOPAY_CHAT_CACHE_TTL_SECONDS" env-default:"3600"`
		PruneAfterDays  int `toml:"prune_after_days" env:"KOBOPAY_CHAT_PRUNE_AFTER_DAYS" env-default:"30"`
	} `toml:"chat"`

	Insights struct {
		RateLimitPerMinute     int    `toml:"rate_limit_per_minute" env:"KOBOPAY_INSIGHTS_RATE_LIMIT_PER_MINUTE" env-default:"30"`
		RateLimitPerHour       int    `toml:"rate_limit_per_hour" env:"KOBOPAY_INSIGHTS_RATE_LIMIT_PER_HOUR" env-default:"100"`
		CacheDefaultTTLSeconds int    `toml:"cache_default_ttl_seconds" env:"KOBOPAY_INSIGHTS_CACHE_DEFAULT_TTL_SECONDS" env-default:"600"`
		IPWhitelist            string `toml:"ip_whitelist" env:"KOBOPAY_INSIGHTS_IP_WHITELIST" env-default:""`
	} `toml:"insights"`

	Retention struct {
		ResolvedConflictDays int `toml:"resolved_conflict_days" env:"KOBOPAY_RETENTION_RESOLVED_CONFLICT_DAYS" env-default:"90"`
	} `toml:"retention"`

	LLM struct {
		Provider string `toml:"provider" env:"KOBOPAY_LLM_PROVIDER" env-default:"openai"`
		BaseURL  string `toml:"base_url" env:"KOBOPAY_LLM_BASE_URL" env-default:""`
		APIKey   string `toml:"api_key" env:"KOBOPAY_LLM_API_KEY"`
		Model    string `toml:"model" env:"KOBOPAY_LLM_MODEL" env-default:"gpt-4o-mini"`
	} `toml:"llm"`
}
