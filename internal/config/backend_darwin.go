//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.attache.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "attache")
	}
	return "attache-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: attache, account: llm_api_key)"
}

// darwinBackend stores keys in the UserDefaults domain through the
// defaults(1) tool, using its native int, bool and float types.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) Get(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading default %s: %w, output: %s", key, err, s)
	}
	return s, true, nil
}

func (b *darwinBackend) Set(key string, v any) error {
	var typeFlag string
	switch v.(type) {
	case int:
		typeFlag = "-int"
	case bool:
		typeFlag = "-bool"
	case float64:
		typeFlag = "-float"
	default:
		typeFlag = "-string"
	}
	raw, err := rawValue(key, v)
	if err != nil {
		return err
	}
	if out, err := exec.Command("defaults", "write", b.domain, key, typeFlag, raw).CombinedOutput(); err != nil {
		return fmt.Errorf("writing default %s: %w, output: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *darwinBackend) Delete(key string) error {
	if _, ok, err := b.Get(key); err != nil || !ok {
		return err
	}
	return exec.Command("defaults", "delete", b.domain, key).Run()
}

func (b *darwinBackend) Location() string { return "defaults domain " + b.domain }
