package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled  bool   `env:"ENGINE_OTEL_ENABLED" default:"true"`
	OTelEndpoint string `env:"ENGINE_OTEL_ENDPOINT"`
	ServiceName  string `env:"ENGINE_SERVICE_NAME"`
}
