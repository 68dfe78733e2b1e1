// Package baton is a saga orchestration engine for HTTP services.
//
// A saga is a sequence of forward actions against remote collaborators,
// each optionally paired with a compensating action that undoes it. When
// a required step fails, baton stops dispatching forward work and runs
// the compensations for everything that already completed, so the system
// converges back to a consistent state. For background on distributed
// sagas, see Caitie McCaffrey's 2017 JOTB talk:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// # Overview
//
// 1. Describe your saga as a JSON document:
//   - Each step names an HTTP action (url, method, payload template) and
//     optionally a compensation action, a retry policy, a condition, and
//     the steps it depends on.
//   - Parse it with ParseDefinition, which validates the document and
//     rejects dependency cycles.
//
// 2. Register definitions in a Registry:
//   - NewRegistry keeps definitions in memory and writes through to a
//     Store when one is supplied, so registrations survive restarts.
//
// 3. Run executions through a Supervisor:
//   - NewSupervisor binds a Registry to a Store (in-memory, file,
//     Postgres, or Redis).
//   - Start launches an execution; Cancel, Get, List, Delete, and Wait
//     manage it; Recover reattaches interrupted executions at boot.
//   - Step responses are merged into the execution context, where later
//     payload templates and conditions can reference them with $ paths.
//
// 4. Observe:
//   - A Broadcaster fans out every status transition to subscribers,
//     which is what the watch WebSocket in the api package consumes.
//   - Metrics exposes Prometheus instruments for executions, steps, and
//     compensations.
//
// The batond daemon in cmd/batond wires all of this behind a REST API.
package baton
