package protocol

// TimeoutClass buckets command types by deadline policy. The duration each
// class maps to lives in config; the class itself is a property of the
// command type and can be overridden there too.
type TimeoutClass string

const (
	// TimeoutNone marks long-lived lifecycle commands that run without a
	// deadline.
	TimeoutNone TimeoutClass = "none"
	// TimeoutShort marks fast reads, setters, and aborts.
	TimeoutShort TimeoutClass = "short"
	// TimeoutDefault marks model-adjacent commands.
	TimeoutDefault TimeoutClass = "default"
)

// AbortKind names the type-specific cancellation hook invoked when a
// command's deadline fires.
type AbortKind string

const (
	AbortNone       AbortKind = ""
	AbortGeneration AbortKind = "generation"
	AbortShell      AbortKind = "shell"
	AbortCompaction AbortKind = "compaction"
)

// CommandSpec describes the static properties of a command type.
type CommandSpec struct {
	// SessionScoped commands require a non-empty sessionId.
	SessionScoped bool
	// Mutating commands advance the session version on success.
	Mutating bool
	// ModelFacing commands are dispatched through the provider's circuit
	// breaker.
	ModelFacing bool
	// Timeout is the default timeout class for the type.
	Timeout TimeoutClass
	// Abort is the cancellation hook consulted on timeout.
	Abort AbortKind
}

// Command type names.
const (
	CmdListSessions       = "list_sessions"
	CmdCreateSession      = "create_session"
	CmdDeleteSession      = "delete_session"
	CmdSwitchSession      = "switch_session"
	CmdListStoredSessions = "list_stored_sessions"
	CmdLoadSession        = "load_session"
	CmdGetMetrics         = "get_metrics"
	CmdHealthCheck        = "health_check"
	CmdExtensionUIResp    = "extension_ui_response"

	CmdPrompt             = "prompt"
	CmdSteer              = "steer"
	CmdFollowUp           = "follow_up"
	CmdAbort              = "abort"
	CmdGetState           = "get_state"
	CmdGetMessages        = "get_messages"
	CmdSetModel           = "set_model"
	CmdCycleModel         = "cycle_model"
	CmdSetThinkingLevel   = "set_thinking_level"
	CmdCycleThinkingLevel = "cycle_thinking_level"
	CmdCompact            = "compact"
	CmdAbortCompaction    = "abort_compaction"
	CmdSetAutoCompaction  = "set_auto_compaction"
	CmdSetAutoRetry       = "set_auto_retry"
	CmdAbortRetry         = "abort_retry"
	CmdBash               = "bash"
	CmdAbortBash          = "abort_bash"
	CmdGetSessionStats    = "get_session_stats"
	CmdSetSessionName     = "set_session_name"
	CmdExportHTML         = "export_html"
	CmdNewSession         = "new_session"
	CmdSwitchSessionFile  = "switch_session_file"
	CmdFork               = "fork"
	CmdListModels         = "list_models"
	CmdListThinkingLevels = "list_thinking_levels"
)

// commands is the full deployment taxonomy.
var commands = map[string]CommandSpec{
	// Server-scoped.
	CmdListSessions:       {Timeout: TimeoutShort},
	CmdCreateSession:      {Timeout: TimeoutNone},
	CmdDeleteSession:      {Timeout: TimeoutNone},
	CmdSwitchSession:      {Timeout: TimeoutShort},
	CmdListStoredSessions: {Timeout: TimeoutShort},
	CmdLoadSession:        {Timeout: TimeoutNone},
	CmdGetMetrics:         {Timeout: TimeoutShort},
	CmdHealthCheck:        {Timeout: TimeoutShort},
	CmdExtensionUIResp:    {Timeout: TimeoutShort},

	// Session-scoped.
	CmdPrompt:             {SessionScoped: true, Mutating: true, ModelFacing: true, Timeout: TimeoutNone, Abort: AbortGeneration},
	CmdSteer:              {SessionScoped: true, Mutating: true, ModelFacing: true, Timeout: TimeoutDefault, Abort: AbortGeneration},
	CmdFollowUp:           {SessionScoped: true, Mutating: true, ModelFacing: true, Timeout: TimeoutDefault, Abort: AbortGeneration},
	CmdAbort:              {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdGetState:           {SessionScoped: true, Timeout: TimeoutShort},
	CmdGetMessages:        {SessionScoped: true, Timeout: TimeoutShort},
	CmdSetModel:           {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdCycleModel:         {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdSetThinkingLevel:   {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdCycleThinkingLevel: {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdCompact:            {SessionScoped: true, Mutating: true, ModelFacing: true, Timeout: TimeoutNone, Abort: AbortCompaction},
	CmdAbortCompaction:    {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdSetAutoCompaction:  {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdSetAutoRetry:       {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdAbortRetry:         {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdBash:               {SessionScoped: true, Mutating: true, Timeout: TimeoutNone, Abort: AbortShell},
	CmdAbortBash:          {SessionScoped: true, Timeout: TimeoutShort},
	CmdGetSessionStats:    {SessionScoped: true, Timeout: TimeoutShort},
	CmdSetSessionName:     {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdExportHTML:         {SessionScoped: true, Timeout: TimeoutShort},
	CmdNewSession:         {SessionScoped: true, Mutating: true, Timeout: TimeoutNone},
	CmdSwitchSessionFile:  {SessionScoped: true, Mutating: true, Timeout: TimeoutShort},
	CmdFork:               {SessionScoped: true, Mutating: true, Timeout: TimeoutNone},
	CmdListModels:         {SessionScoped: true, Timeout: TimeoutShort},
	CmdListThinkingLevels: {SessionScoped: true, Timeout: TimeoutShort},
}

// Spec returns the CommandSpec for a type and whether the type is known.
func Spec(cmdType string) (CommandSpec, bool) {
	s, ok := commands[cmdType]
	return s, ok
}

// KnownCommands returns the set of known command type names.
func KnownCommands() []string {
	out := make([]string, 0, len(commands))
	for name := range commands {
		out = append(out, name)
	}
	return out
}

// ThinkingLevels is the permitted set for set_thinking_level, in cycle order.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high"}

// ValidThinkingLevel reports whether level is in the permitted set.
func ValidThinkingLevel(level string) bool {
	for _, l := range ThinkingLevels {
		if l == level {
			return true
		}
	}
	return false
}
