package manager

import (
	"path/filepath"
	"strings"
)

// knownFamilies is consulted in order; the first substring match wins.
var knownFamilies = []string{"llama", "mistral", "qwen", "phi", "gemma"}

// ArchitectureFromName guesses a model family from its file name. It returns
// "unknown" when no known family name appears.
func ArchitectureFromName(path string) string {
	name := strings.ToLower(filepath.Base(path))
	for _, f := range knownFamilies {
		if strings.Contains(name, f) {
			return f
		}
	}
	return "unknown"
}
