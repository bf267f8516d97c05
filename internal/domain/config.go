package domain

// Config represents the application configuration
type Config struct {
	Host         string       `toml:"host" mapstructure:"host"`
	Port         int          `toml:"port" mapstructure:"port"`
	LogLevel     string       `toml:"logLevel" mapstructure:"logLevel"`
	LogPath      string       `toml:"logPath" mapstructure:"logPath"`
	DataDir      string       `toml:"dataDir" mapstructure:"dataDir"`
	WebhookURL   string       `toml:"webhookUrl" mapstructure:"webhookUrl"`
	HTTPTimeouts HTTPTimeouts `toml:"httpTimeouts" mapstructure:"httpTimeouts"`
	Store        StoreConfig  `toml:"store" mapstructure:"store"`
}

// HTTPTimeouts represents HTTP server timeout configuration
type HTTPTimeouts struct {
	ReadTimeout  int `toml:"readTimeout" mapstructure:"readTimeout"`   // seconds
	WriteTimeout int `toml:"writeTimeout" mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int `toml:"idleTimeout" mapstructure:"idleTimeout"`   // seconds
}

// StoreConfig bounds how long a single engine operation may hold the store.
type StoreConfig struct {
	OperationTimeout int `toml:"operationTimeout" mapstructure:"operationTimeout"` // seconds
}
