package tls

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Save writes the certificate and key as PEM files. The key file is only
// readable by its owner.
func (c *Certificate) Save(certPath, keyPath string) error {
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("tls: creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0o644); err != nil {
		return fmt.Errorf("tls: writing certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0o600); err != nil {
		_ = os.Remove(certPath)
		return fmt.Errorf("tls: writing key: %w", err)
	}
	return nil
}

// Load reads a certificate and key written by Save.
func Load(certPath, keyPath string) (*Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("tls: reading certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("tls: reading key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// LoadOrGenerate loads the pair at the given paths, or generates and saves
// a new one from cfg when neither file exists. A lone cert or key file is
// an error rather than being overwritten.
func LoadOrGenerate(cfg *CertificateConfig, certPath, keyPath string) (*Certificate, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return Load(certPath, keyPath)
	case errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist):
		c, err := Generate(cfg)
		if err != nil {
			return nil, err
		}
		if err := c.Save(certPath, keyPath); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("tls: incomplete key pair at %s and %s", certPath, keyPath)
	}
}
