package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Both loaders only fill keys missing from the process environment, so the
// precedence is env > .env files > YAML file > built-in defaults as long as
// LoadDotEnv runs before LoadYAMLFile.

// LoadDotEnv loads KEY=VALUE lines from .env-like files. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if err := loadDotEnvFile(trimmed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		exportIfUnset(key, parseDotEnvValue(value))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func parseDotEnvValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= 2 {
		switch quote := trimmed[0]; {
		case quote == '\'' && trimmed[len(trimmed)-1] == quote:
			return trimmed[1 : len(trimmed)-1]
		case quote == '"' && trimmed[len(trimmed)-1] == quote:
			return strings.NewReplacer(
				`\\`, `\`,
				`\n`, "\n",
				`\t`, "\t",
				`\"`, `"`,
			).Replace(trimmed[1 : len(trimmed)-1])
		}
	}

	// VALUE # comment
	if index := strings.Index(trimmed, " #"); index >= 0 {
		return strings.TrimSpace(trimmed[:index])
	}
	return trimmed
}

// LoadYAMLFile reads a flat YAML mapping of environment keys, for example
//
//	PORT: 5000
//	worker_concurrency: 4
//	CORS_ALLOWED_ORIGINS: [http://localhost:5173, https://app.example.com]
//
// Keys are upper-cased and lists are joined with commas. A missing file is
// not an error.
func LoadYAMLFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	for key, value := range values {
		if value == nil {
			continue
		}
		exportIfUnset(strings.ToUpper(key), yamlValueString(value))
	}
	return nil
}

func yamlValueString(value any) string {
	switch casted := value.(type) {
	case string:
		return casted
	case []any:
		items := make([]string, 0, len(casted))
		for _, item := range casted {
			items = append(items, fmt.Sprint(item))
		}
		return strings.Join(items, ",")
	default:
		return fmt.Sprint(casted)
	}
}

func exportIfUnset(key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if _, exists := os.LookupEnv(key); exists {
		return
	}
	_ = os.Setenv(key, value)
}
