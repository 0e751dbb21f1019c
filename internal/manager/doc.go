// Package manager owns the single loaded language model: load, unload and
// reload with safe teardown, plus admission of generations against it.
// It is structured into small files by concern:
//
//   - manager.go: Manager type, Load/Reload/Info and the lifecycle critical section.
//   - config.go: Config and package defaults; New applies defaults.
//   - types.go: Engine/Model interfaces, LoadConfig, PredictParams, ModelInfo.
//   - errors.go: LoadError and helpers (IsBusy, IsTooBusy, IsDependencyUnavailable).
//   - unload.go: drain, dispose and release confirmation.
//   - lease.go: per-generation admission (Acquire/Lease).
//   - arch.go: filename heuristics for the model family.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//
// Engines:
//
//   - In-process llama: go-llama.cpp, enabled with `-tags=llama`.
//     Files: engine_llama.go, llama_cgo.go. engine_llama_stub.go is compiled
//     otherwise and refuses every load.
//   - llama-server subprocess: engine_server.go spawns one server per loaded
//     model and streams completions over HTTP.
//
// Load, Unload and Reload never interleave: a call arriving while another one
// runs fails immediately with an error for which IsBusy reports true.
package manager

// LlamaBuilt reports whether the in-process engine was compiled in.
func LlamaBuilt() bool { return llamaBuilt }
