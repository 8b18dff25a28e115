package protocol

// Counter names reported per service.
const (
	CounterExecute            = "execute"
	CounterCacheHit           = "cache_hit"
	CounterCacheMiss          = "cache_miss"
	CounterScored             = "scored"
	CounterNotScored          = "not_scored"
	CounterFailRecoverable    = "fail_recoverable"
	CounterFailNonRecoverable = "fail_nonrecoverable"
)

// Counters lists every per-service counter, in reporting order.
var Counters = []string{
	CounterExecute,
	CounterCacheHit,
	CounterCacheMiss,
	CounterScored,
	CounterNotScored,
	CounterFailRecoverable,
	CounterFailNonRecoverable,
}

// Execution-time labels.
const (
	TimeIdle      = "idle"
	TimeExecution = "execution"
)

// QueuePrefix prefixes the name of every per-service queue.
const QueuePrefix = "service-queue-"

// DeadLetterQueue holds queued payloads that could not be decoded. It sits
// outside QueuePrefix so it is never mistaken for a service queue.
const DeadLetterQueue = "service-dead-letter"

// QueueName returns the queue name for a service.
func QueueName(service string) string {
	return QueuePrefix + service
}

// Messages attached to synthesized errors.
const (
	MsgWorkerTerminated = "The service instance processing this task has terminated unexpectedly."
	MsgServiceDisabled  = "The service was disabled while processing this task."
	MsgInvalidResult    = "The service sent an invalid result: "
)
