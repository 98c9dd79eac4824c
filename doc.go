// Package corerun implements the stateless agent execution runtime: a
// distributed orchestrator that accepts requests to run an LLM-driven agent,
// executes multi-turn tool-using conversations with streaming output, and
// durably persists messages and credit usage despite process crashes,
// network failures, and LLM backend outages.
//
// # Core subsystems
//
// The root package wires together five tightly coupled subsystems:
//
//   - [LeaseManager] — distributed claim/heartbeat ownership over a shared
//     key-value store ([kv.Store]), giving horizontal scale and crash
//     recovery without a consensus service.
//   - [WriteBuffer] — per-run in-memory write-behind cache with
//     priority-ordered batched flush, eviction, and graceful shutdown drain.
//   - [Sweeper] — sharded background scan that finds orphaned or stuck runs
//     and resumes, completes, or fails them.
//   - [Orchestrator] — per-turn pipeline that assembles LLM input, invokes
//     the configured [Provider], and drives a streaming response
//     processor with auto-continue across LLM turns.
//   - [TransactionalWriter] — a small saga engine that reserves credits, persists
//     messages, and commits the reservation, pushing failed writes to a
//     dead-letter queue with retry.
//
// # Included implementations
//
// Key-value store: kv/redis (production), kv/memory (tests, single-process).
// Relational store: relstore/postgres (production), relstore/sqlite (local/dev/test).
// LLM backends: llm/anthropic, llm/openai.
// Sandbox execution: sandbox/docker.
//
// See cmd/worker for a complete reference wiring of all components into a
// single worker process, and cmd/sandboxd for the pooled sandbox daemon.
package corerun
