package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for threadbox spans and metrics.
var (
	AttrThreadID  = attribute.Key("thread.id")
	AttrSandboxID = attribute.Key("sandbox.id")
	AttrSessionID = attribute.Key("sandbox.session_id")
	AttrOperation = attribute.Key("sandbox.operation")
	AttrStatus    = attribute.Key("status")
	AttrReason    = attribute.Key("reason")

	AttrPromptLength = attribute.Key("prompt.length")
	AttrReplyLength  = attribute.Key("reply.length")
	AttrHTTPStatus   = attribute.Key("http.status")

	AttrMessageID = attribute.Key("ledger.message_id")
	AttrKind      = attribute.Key("ledger.kind")
	AttrDuplicate = attribute.Key("ledger.duplicate")
	AttrAttempts  = attribute.Key("ledger.attempts")
	AttrClaimed   = attribute.Key("ledger.claimed")
)
