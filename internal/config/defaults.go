package config

import "time"

// Development secrets. Validate rejects them when ENV=production.
const (
	devJWTSecret     = "klear-secret-key"
	devStateSecret   = "klear-state-secret"
	devEncryptionKey = "klear-dev-encryption-key"
)

// Default returns the development configuration with every supported broker.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
		},
		Logging: LoggingConfig{Level: "info", Pretty: true},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "klear.db",
		},
		Security: SecurityConfig{
			JWTSecret:      devJWTSecret,
			TokenTTL:       24 * time.Hour,
			StateSecret:    devStateSecret,
			StateTTL:       10 * time.Minute,
			EncryptionKey:  devEncryptionKey,
			EncryptionSalt: "klear-broker",
			InternalToken:  "klear-internal-token",
			APIClients: map[string]APIClient{
				"test-api-key": {Secret: "test-api-secret", UserID: "user-1"},
			},
		},
		RateLimits: RateLimitsConfig{
			Store:         "memory",
			SweepInterval: time.Minute,
			Auth:          LimitConfig{MaxRequests: 10, Window: time.Minute},
			API:           LimitConfig{MaxRequests: 300, Window: time.Minute},
			Orders:        LimitConfig{MaxRequests: 60, Window: time.Minute},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Jobs: JobsConfig{
			Driver:                "memory",
			Workers:               8,
			QueueSize:             1024,
			MaxRetries:            3,
			BaseDelay:             2 * time.Second,
			MonitorInterval:       30 * time.Second,
			SyncInterval:          5 * time.Minute,
			VerifierSweepInterval: time.Minute,
			StalePendingAfter:     2 * time.Minute,
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "klear.broker-jobs",
				GroupID: "klear-broker-worker",
			},
		},
		Orders: OrdersConfig{
			SubmissionMode: ModeAsync,
			MaxQuantity:    1_000_000,
			SubmitLease:    30 * time.Second,
		},
		Brokers: defaultBrokers(),
	}
}

func defaultBrokers() map[string]BrokerConfig {
	return map[string]BrokerConfig{
		"alpaca": {
			ID:           "alpaca",
			Name:         "Alpaca",
			Adapter:      AdapterAlpaca,
			AuthURL:      "https://app.alpaca.markets/oauth/authorize",
			TokenURL:     "https://api.alpaca.markets/oauth/token",
			RedirectURI:  "http://localhost:8080/api/v1/connections/alpaca/callback",
			Scopes:       []string{"account:write", "trading", "data"},
			RequiresPKCE: false,
			APIBaseURL:   "https://paper-api.alpaca.markets",
		},
		"tradier": {
			ID:           "tradier",
			Name:         "Tradier",
			AuthURL:      "https://api.tradier.com/v1/oauth/authorize",
			TokenURL:     "https://api.tradier.com/v1/oauth/accesstoken",
			RedirectURI:  "http://localhost:8080/api/v1/connections/tradier/callback",
			Scopes:       []string{"read", "write", "trade"},
			RequiresPKCE: false,
		},
		"td": {
			ID:           "td",
			Name:         "TD Ameritrade",
			AuthURL:      "https://auth.tdameritrade.com/auth",
			TokenURL:     "https://api.tdameritrade.com/v1/oauth2/token",
			RedirectURI:  "http://localhost:8080/api/v1/connections/td/callback",
			RequiresPKCE: false,
		},
		"schwab": {
			ID:           "schwab",
			Name:         "Charles Schwab",
			AuthURL:      "https://api.schwabapi.com/v1/oauth/authorize",
			TokenURL:     "https://api.schwabapi.com/v1/oauth/token",
			RevokeURL:    "https://api.schwabapi.com/v1/oauth/revoke",
			RedirectURI:  "http://localhost:8080/api/v1/connections/schwab/callback",
			Scopes:       []string{"readonly", "trade"},
			RequiresPKCE: true,
		},
		"ibkr": {
			ID:      "ibkr",
			Name:    "Interactive Brokers",
			Adapter: AdapterIBKR,
			Session: &SessionConfig{
				GatewayURL:         "https://localhost:5000/v1/api",
				KeepAliveInterval:  30 * time.Second,
				SessionTTL:         10 * time.Minute,
				RequestsPerSecond:  5,
				ReauthAttempts:     5,
				InsecureSkipVerify: true,
			},
		},
		"paper": {
			ID:      "paper",
			Name:    "Paper Trading",
			Adapter: AdapterPaper,
			Paper: &PaperConfig{
				StartingCash: 100000,
				Commission:   0.001,
				Prices: map[string]float64{
					"AAPL": 190.50,
					"MSFT": 415.20,
					"SPY":  520.10,
					"TSLA": 175.80,
				},
			},
		},
	}
}
