package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.wagate",
			DBPath:   "~/.wagate/wagate.db",
			LogLevel: "info",
		},
		Transport: TransportConfig{
			Default: "cloudapi",
			CloudAPI: CloudAPIConfig{
				AccessToken:   "${META_ACCESS_TOKEN}",
				PhoneNumberID: "${META_PHONE_NUMBER_ID}",
				AppSecret:     "${META_APP_SECRET}",
				VerifyToken:   "${META_VERIFY_TOKEN}",
				WebhookPath:   "/webhook/whatsapp",
			},
			Browser: BrowserSessionConfig{
				ProfileDir:   "~/.wagate/chrome-profile",
				Headless:     true,
				PollInterval: 2,
			},
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				Enabled: true,
				APIKey:  "${OPENAI_API_KEY}",
			},
			DeepSeek: ProviderConfig{
				Enabled: false,
				APIKey:  "${DEEPSEEK_API_KEY}",
			},
		},
		Knowledge: KnowledgeConfig{
			UploadDir:     "~/.wagate/uploads",
			RetrievalTopK: 5,
			MaxUploadMB:   20,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
