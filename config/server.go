package config

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address of the dispatch API.
	Addr string `json:"addr"`
	// ReadTimeoutS and WriteTimeoutS bound request handling, in seconds.
	ReadTimeoutS  int `json:"read_timeout_s"`
	WriteTimeoutS int `json:"write_timeout_s"`
}

// SetDefaults applies sane defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeoutS <= 0 {
		c.ReadTimeoutS = 15
	}
	if c.WriteTimeoutS <= 0 {
		c.WriteTimeoutS = 15
	}
}
