package webclient

import "time"

type Client string

const (
	ClientNetHTTP  Client = "nethttp"
	ClientChromedp Client = "chromedp"
)

type Config struct {
	Client    Client        `yaml:"client"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	// MaxBodyBytes caps how much of a response body is kept. Zero means 4 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// IdleAfter is how long the chromedp backend waits for network silence
	// before reading the DOM.
	IdleAfter time.Duration `yaml:"idle_after"`
	Headless  bool          `yaml:"headless"`
}

func DefaultConfig() Config {
	return Config{
		Client:       ClientNetHTTP,
		Timeout:      20 * time.Second,
		UserAgent:    "vigil/1.0 (+https://github.com/raysh454/vigil)",
		MaxBodyBytes: 4 << 20,
		IdleAfter:    2 * time.Second,
		Headless:     true,
	}
}

func (c Config) maxBody() int64 {
	if c.MaxBodyBytes <= 0 {
		return 4 << 20
	}
	return c.MaxBodyBytes
}
