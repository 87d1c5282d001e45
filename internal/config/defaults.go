package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		AppOrigin: "http://127.0.0.1:3000",
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Stream: StreamConfig{
			HandshakeTimeoutMS: 10000,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    5,
			ResetOnSuccess: false,
		},
		Session: SessionConfig{},
		Batch: BatchConfig{
			PollIntervalMS: 2000,
			TimeoutMS:      600000,
		},
		Notes: NotesConfig{
			TimeoutMS: 60000,
		},
		Server: ServerConfig{
			Listen:    "127.0.0.1:8080",
			StaticDir: "web",
		},
	}
}
