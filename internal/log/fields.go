package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldBudgetID    = "budget_id"
	FieldHeadingID   = "heading_id"
	FieldRunID       = "run_id"
	FieldGeneration  = "generation"
	FieldAttempt     = "attempt"
	FieldVotingStyle = "voting_style"
	FieldCapCents    = "cap_cents"
	FieldSpentCents  = "spent_cents"
	FieldWinners     = "winners"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentAdmin     = "admin"
	ComponentWinners   = "winners"
	ComponentRunner    = "runner"
	ComponentScheduler = "scheduler"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentPublisher = "publisher"
	ComponentCache     = "cache"
	ComponentSecurity  = "security"
	ComponentRateLimit = "rate_limit"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpRead      = "read"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpList      = "list"
	OpSchedule  = "schedule"
	OpCalculate = "calculate"
	OpRecord    = "record"
	OpPublish   = "publish"
	OpRecover   = "recover"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithRun adds the identifiers of a calculation run
func (f LogFields) WithRun(budgetID, headingID int64, runID string, generation int64) LogFields {
	f[FieldBudgetID] = budgetID
	f[FieldHeadingID] = headingID
	f[FieldRunID] = runID
	f[FieldGeneration] = generation
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
