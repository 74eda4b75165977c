package config

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// envPrefix is the only prefix LoadDotenv imports from a .env file, plus
// the literal NODE_ENV switch.
const envPrefix = "TUNNEL_AGENT_"

// LoadDotenv pre-seeds os.Environ() from a local .env file at path. Only
// keys prefixed with TUNNEL_AGENT_, plus the bare NODE_ENV switch, are
// imported, and existing environment variables are never overwritten. A
// missing file is not an error — most deployments have none.
func LoadDotenv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, ln := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(ln)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		i := strings.IndexByte(line, '=')
		if i <= 0 {
			log.Warn().Str("line", line).Msg("config: malformed .env line, skipping")
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)

		if !strings.HasPrefix(key, envPrefix) && key != "NODE_ENV" {
			continue
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
}
