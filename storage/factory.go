package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Factory creates storage backends from location URI strings.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - In-process storage, for tests and development
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) BackendFor(locationURI string) (Backend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid location URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return f.createFileBackend(u)
	case "s3":
		return f.createS3Backend(u)
	case "vault":
		return f.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

func (f *Factory) createFileBackend(u *url.URL) (Backend, error) {
	baseDir := u.Path
	if u.Host != "" {
		baseDir = u.Host + u.Path
	}
	if baseDir == "" {
		return nil, fmt.Errorf("file backend requires a base directory")
	}
	return NewFileBackend(baseDir, f.log)
}

func (f *Factory) createS3Backend(u *url.URL) (Backend, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket name")
	}

	params := u.Query()
	region := params.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucket, strings.Trim(u.Path, "/"), region, params.Get("endpoint"), accessKey, secretKey, f.log)
}

func (f *Factory) createVaultBackend(u *url.URL) (Backend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("vault backend requires a server address")
	}

	params := u.Query()
	scheme := params.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	mountPath := "secret"
	dataPath := "wallet-recovery"
	if len(parts) > 0 && parts[0] != "" {
		mountPath = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		dataPath = parts[1]
	}

	var token string
	if u.User != nil {
		token = u.User.Username()
	}
	if t := params.Get("token"); t != "" {
		token = t
	}

	return NewVaultBackend(address, mountPath, dataPath, token, f.log)
}
