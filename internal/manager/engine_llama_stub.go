//go:build !llama

package manager

import "context"

// llamaBuilt is false when the binary was built without the 'llama' tag.
const llamaBuilt = false

type llamaEngine struct{}

// NewLlamaEngine returns an engine that refuses every load because the
// in-process runtime was not compiled in. Build with -tags=llama to enable it.
func NewLlamaEngine(threads int) Engine { return llamaEngine{} }

func (llamaEngine) Name() string { return "llama" }

func (llamaEngine) Load(ctx context.Context, path string, cfg LoadConfig) (Model, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
