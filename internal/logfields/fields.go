package logfields

const (
	// Identifiers

	Name      = "name"
	Operation = "operation"

	Adapter  = "adapter"
	Target   = "target"
	LUN      = "lun"
	PathID   = "path"
	HandleID = "handleID"
	WorldID  = "worldID"
	SerialNo = "serialNo"
	DevType  = "devType"

	// Path management

	Policy    = "policy"
	PathState = "pathState"
	Vendor    = "vendor"
	Model     = "model"

	// Commands and IO

	Bytes  = "bytes"
	Opcode = "opcode"
	Status = "status"
	File   = "file"

	// Common Misc

	Attempt = "attemptNo"
	JSON    = "json"

	// Time

	Duration  = "duration"
	EndTime   = "endTime"
	StartTime = "startTime"
	Timeout   = "timeout"

	// Keys/Values

	Field   = "field"
	Key     = "key"
	Options = "options"
	Value   = "value"

	// logging and tracing

	TraceID      = "traceID"
	SpanID       = "spanID"
	ParentSpanID = "parentSpanID"
)
