package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves a leading "~" to the user's home directory and then
// substitutes $VAR and ${VAR} references. Relative results stay relative.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("pathutil: expand %q: %w", p, err)
		}
		p = filepath.Join(home, p[1:])
	}
	return os.ExpandEnv(p), nil
}
