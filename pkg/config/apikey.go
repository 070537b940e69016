package config

// APIKeyConfig configures machine credentials. Cleartext keys follow
// the shape <prefix>_<live|test>_<kid>_<secret>.
type APIKeyConfig struct {
	Prefix      string
	KIDLength   int
	SecretBytes int
}

func loadAPIKeyConfig() APIKeyConfig {
	return APIKeyConfig{
		Prefix:      getEnv("APIKEY_PREFIX", "truxe"),
		KIDLength:   getEnvInt("APIKEY_KID_LENGTH", 12),
		SecretBytes: getEnvInt("APIKEY_SECRET_BYTES", 32),
	}
}
