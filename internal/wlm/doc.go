// Package wlm is the workload-manager core: admission, per-model worker
// pools, dynamic batching and streaming result delivery. It is structured
// into small files by concern:
//
//   - manager.go: Manager façade (Register/Unregister/Scale/Submit) and
//     the background sweeper.
//   - config.go: ManagerConfig and package defaults; NewWithConfig
//     applies defaults.
//   - types.go: ModelInfo, worker states and status projections.
//   - errors.go: error types and helpers (IsQueueFull, IsWorkerFault, ...).
//   - pool.go: per-model fleet, batcher loop, scaling and fault
//     replacement.
//   - worker.go: worker state machine and batch execution.
//   - queue.go: bounded FIFO job queue.
//   - job.go: job lifetime.
//   - streaming.go: single-producer/single-consumer chunk stream.
//   - events.go / eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: prometheus collectors.
//
// External packages should treat this package as the orchestration layer
// and use public methods only (NewWithConfig, Register, Unregister,
// Scale, Submit, Status, Close). Internal types are subject to change.
package wlm
