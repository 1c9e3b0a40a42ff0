package docker

import "fmt"

// Config holds the Docker daemon connection details, adapted from the
// teacher's internal/docker.Config (field-for-field, trimmed to what
// fleetgate actually exercises).
type Config struct {
	Host       string
	TLSVerify  bool
	CertPEM    string
	KeyPEM     string
	CAPEM      string
	APIVersion string
	Network    string

	RegistryAuth *RegistryAuth
}

// RegistryAuth holds registry credentials for private project base images.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// ValidateConfig mirrors the teacher's ValidateConfig.
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("docker config cannot be nil")
	}
	if config.Host == "" {
		return fmt.Errorf("host is required")
	}
	if config.TLSVerify {
		if config.CertPEM == "" || config.KeyPEM == "" || config.CAPEM == "" {
			return fmt.Errorf("cert_pem, key_pem and ca_pem are required when tls_verify is enabled")
		}
	}
	if config.RegistryAuth != nil && (config.RegistryAuth.Username == "" || config.RegistryAuth.Password == "") {
		return fmt.Errorf("registry_auth.username and registry_auth.password are required when registry_auth is set")
	}
	return nil
}
