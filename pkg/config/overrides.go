package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. MCPGATE_STORAGE_DSN.
const EnvPrefix = "MCPGATE"

// Override keys. The matching environment variable is EnvPrefix, then the
// key upper-cased with dots replaced by underscores.
const (
	KeyAddr         = "addr"
	KeyPath         = "path"
	KeyAuthType     = "auth.type"
	KeyStorageDrv   = "storage.driver"
	KeyStorageDSN   = "storage.dsn"
	KeyLogLevel     = "log.level"
	KeyLogFormat    = "log.format"
	KeyAdminToken   = "admin.token"
	KeyOTLPEndpoint = "telemetry.otlp_endpoint"
)

var overrideKeys = []string{
	KeyAddr, KeyPath, KeyAuthType, KeyStorageDrv, KeyStorageDSN,
	KeyLogLevel, KeyLogFormat, KeyAdminToken, KeyOTLPEndpoint,
}

// NewViper returns a viper instance bound to the MCPGATE_ environment
// variables for every override key. Callers may additionally bind flags.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range overrideKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// ApplyOverrides copies every override key set in v onto c and validates the
// result.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	set := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := v.GetString(key); s != "" {
				*dst = s
			}
		}
	}
	set(KeyAddr, &c.Platform.Addr)
	set(KeyPath, &c.Platform.Path)
	set(KeyAuthType, &c.Auth.Type)
	set(KeyStorageDrv, &c.Storage.Driver)
	set(KeyStorageDSN, &c.Storage.DSN)
	set(KeyLogLevel, &c.Log.Level)
	set(KeyLogFormat, &c.Log.Format)
	set(KeyAdminToken, &c.Admin.Token)
	set(KeyOTLPEndpoint, &c.Telemetry.OTLPEndpoint)
	return c.Validate()
}
