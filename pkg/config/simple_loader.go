package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
)

// Load decodes the YAML file at filePath into config after substituting
// ${VAR_NAME} references with environment values. Unset variables expand to
// the empty string. Fields absent from the file keep their current values.
// Every failure is a config error carrying the path.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}

	content, envErr := expandEnv(string(data))
	if envErr != nil {
		return envErr.WithDetail("path", filePath)
	}

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("path", filePath)
	}
	return nil
}

// expandEnv replaces ${VAR_NAME} references with environment values. A
// reference left open is an error rather than literal text.
func expandEnv(content string) (string, *clearmaperrors.Error) {
	var b strings.Builder
	b.Grow(len(content))

	rest := content
	for {
		before, after, found := strings.Cut(rest, "${")
		b.WriteString(before)
		if !found {
			return b.String(), nil
		}
		name, tail, closed := strings.Cut(after, "}")
		if !closed {
			return "", clearmaperrors.New(clearmaperrors.ErrorTypeConfig, "unterminated environment reference").
				WithDetail("reference", "${"+firstLine(after))
		}
		b.WriteString(os.Getenv(name))
		rest = tail
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
