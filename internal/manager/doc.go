// Package manager owns model providers: lazy loading, alias reuse, the
// single-heavy-resident policy, idle sweep and per-model admission. It is
// split into small files by concern:
//
//   - manager.go: Modules, the lazy module registry.
//   - config.go: Options and package defaults.
//   - llm.go: LLMModule, provider cache and routing.
//   - heavy.go: heavy-switch policy.
//   - sweep.go: idle sweep and the background sweeper.
//   - unload.go: explicit unload with alias detach.
//   - admission.go: per-model queueing in front of generation.
//   - reasoning.go: reasoning preset overlays.
//   - status.go: status reporting for /status.
//   - errors.go: error helpers (IsTooBusy, IsModelNotFound, IsDependencyUnavailable).
//
// Callers use public methods only; internal fields may change.
package manager
