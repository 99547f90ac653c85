// Package threadbox runs long-lived, per-conversation agent sessions, each
// bound to an ephemeral remote sandbox, with exactly-once processing of
// inbound chat events across crashes and redelivery.
//
// The root package defines the domain types and the contracts that the
// implementation packages satisfy:
//
//   - [SessionStore]: persisted per-thread [SessionInfo], the source of truth
//     for sandbox lifecycle
//   - [Ledger]: durable idempotent inbox: admit once, claim, cache step
//     results, complete or retry, prune
//   - [SandboxProvisioner]: provision, resume, pause and destroy sandboxes
//   - [ExecutionClient]: health checks and prompt delivery to a sandbox
//   - [Frontend]: the chat platform producing [InboundEvent] values
//
// # Included Implementations
//
// Concurrency: actor (keyed FIFO actor map). Sessions: pool (per-thread agent
// pool with idle/TTL cleanup). Storage: store/sqlite (local), store/postgres.
// Sandboxes: provisioner (lifecycle manager), provisioner/docker, client (HTTP
// execution client). Chat: frontend/telegram. Telemetry: observer.
//
// A typical pipeline:
//
//	ok, _ := ledger.Admit(ctx, ev)          // duplicate deliveries return false
//	st, _ := ledger.Start(ctx, ev.MessageID) // nil when another worker owns it
//	agent, _ := agents.GetOrCreate(ctx, ev.ThreadID, ev.ChannelID, ev.GuildID)
//	reply, err := agent.Send(ctx, ev.Text)  // *SandboxDeadError => re-resolve
//	_ = ledger.Complete(ctx, ev.MessageID)
//
// See cmd/threadboxd for the complete daemon.
package threadbox
