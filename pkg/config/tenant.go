package config

// TenantConfig configures the tenant hierarchy.
type TenantConfig struct {
	// MaxRoots caps how many root tenants the deployment may hold.
	MaxRoots int

	// DefaultMaxDepth is applied to new roots that do not specify one.
	// Root caps are clamped to [2, 5].
	DefaultMaxDepth int
}

func loadTenantConfig() TenantConfig {
	return TenantConfig{
		MaxRoots:        getEnvInt("TENANT_MAX_ROOTS", 100),
		DefaultMaxDepth: getEnvInt("TENANT_DEFAULT_MAX_DEPTH", 5),
	}
}
