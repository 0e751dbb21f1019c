package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"memoaid/internal/common/fsutil"
	"memoaid/internal/gguf"
	"memoaid/pkg/types"
)

var quantRe = regexp.MustCompile(`(?i)(?:^|[.\-_])((?:I?Q\d+(?:_[A-Z0-9]+)*)|F16|BF16|F32)(?:$|[.\-_])`)

// GGUFScanner discovers *.gguf files and reads their architecture.
type GGUFScanner struct {
	// Blocklist marks architectures that need the compatibility loader.
	Blocklist []string
	probe     func(string) (gguf.Result, error)
}

// NewGGUFScanner returns a scanner using the default blocklist.
func NewGGUFScanner() *GGUFScanner {
	return &GGUFScanner{Blocklist: gguf.DefaultBlocklist, probe: gguf.Probe}
}

// Scan lists the models in dir sorted by id. The id is the file name.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			continue
		}
		p := filepath.Join(abs, e.Name())
		m := types.Model{
			ID:    e.Name(),
			Name:  strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path:  p,
			Quant: quantFromName(e.Name()),
		}
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
		}
		if res, err := s.probe(p); err == nil && res.Architecture != "" {
			m.Family = res.Architecture
		}
		m.Compat = gguf.IsBlocked(m.Family, s.Blocklist)
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Resolve maps a model id or path to a file path. Ids are looked up in
// dir; anything containing a path separator is taken as a path.
func Resolve(dir, idOrPath string) (string, error) {
	idOrPath = strings.TrimSpace(idOrPath)
	if idOrPath == "" {
		return "", fmt.Errorf("empty model path")
	}
	if strings.ContainsRune(idOrPath, os.PathSeparator) || strings.HasPrefix(idOrPath, "~") {
		return fsutil.ExpandHome(idOrPath)
	}
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, idOrPath), nil
}

// First returns the path of the first model in dir, or "" when there is
// none.
func First(dir string) (string, error) {
	models, err := LoadDir(dir)
	if err != nil || len(models) == 0 {
		return "", err
	}
	return models[0].Path, nil
}

func quantFromName(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if m := quantRe.FindStringSubmatch(stem); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}
