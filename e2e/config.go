package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

// Config points the scenarios at a relay started outside the test binary.
type Config struct {
	HTTPAddr string `envconfig:"RELAY_HTTP_ADDR"`
	GrpcAddr string `envconfig:"RELAY_GRPC_ADDR"`
	// E2E_DEBUG_JSON dumps gRPC request/response bodies as JSON
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized step headers
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
