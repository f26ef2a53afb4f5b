package wire

import "encoding/json"

// Method names recognized on the child RPC wire protocol, per the
// dispatcher's external interface contract.
const (
	MethodRuntimeInfo    = "runtime/info"
	MethodRuntimeState   = "runtime/state"
	MethodLoadModel      = "load_model"
	MethodUnloadModel    = "unload_model"
	MethodLoadDraftModel = "load_draft_model"
	MethodCheckDraft     = "check_draft"
	MethodTokenize       = "tokenize"
	MethodGenerate       = "generate"
	MethodShutdown       = "shutdown"

	batchPrefix = "batch_"
)

// BatchMethod returns the wire method name for a batched call to method,
// e.g. "tokenize" -> "batch_tokenize".
func BatchMethod(method string) string { return batchPrefix + method }

// Notification method names sent child -> facade, without an id.
const (
	NotifyStreamChunk = "stream_chunk"
	NotifyStreamStats = "stream_stats"
	NotifyStreamEvent = "stream_event"
)

// Capability strings reported in runtime/info's capabilities list.
const (
	CapabilityBatchTokenize   = "batch_tokenize"
	CapabilityBatchCheckDraft = "batch_check_draft"
	CapabilityBatchGenerate   = "batch_generate"
)

// RuntimeInfo is the decoded result of runtime/info.
type RuntimeInfo struct {
	Version      string   `json:"version"`
	Protocol     string   `json:"protocol"`
	Capabilities []string `json:"capabilities"`
	Memory       *Memory  `json:"memory,omitempty"`
}

// Memory is optional runtime memory telemetry, reported by newer runtimes.
type Memory struct {
	TotalMB int64 `json:"total_mb"`
	UsedMB  int64 `json:"used_mb"`
}

// HasCapability reports whether name is present in the runtime's
// capabilities list.
func (r RuntimeInfo) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// RuntimeState is the decoded result of runtime/state, used by the
// reconciler. Older runtimes may not implement this method at all.
type RuntimeState struct {
	LoadedModels []LoadedModel `json:"loaded_models"`
	ActiveStream int           `json:"active_streams"`
	RestartCount int           `json:"restart_count"`
}

// LoadedModel is one entry of RuntimeState.LoadedModels.
type LoadedModel struct {
	ModelID string `json:"model_id"`
	State   string `json:"state"`
	Type    string `json:"type"`
}

// LoadModelParams is the params shape for load_model.
type LoadModelParams struct {
	ModelID      string `json:"model_id"`
	Revision     string `json:"revision,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
}

// LoadModelResult is the result shape for load_model.
type LoadModelResult struct {
	ModelHandle string     `json:"model_handle"`
	Descriptor  Descriptor `json:"descriptor"`
}

// Descriptor mirrors the dispatcher's ModelHandle.Descriptor attributes.
type Descriptor struct {
	ID            string `json:"id"`
	Source        string `json:"source"` // local|huggingface
	Modality      string `json:"modality,omitempty"` // text|vision
	Family        string `json:"family,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// UnloadModelParams is the params shape for unload_model.
type UnloadModelParams struct {
	ModelID string `json:"model_id"`
}

// LoadDraftModelParams is the params shape for load_draft_model.
type LoadDraftModelParams struct {
	ModelID string `json:"model_id"`
	Draft   bool   `json:"draft"`
}

// CheckDraftParams is the params shape for check_draft.
type CheckDraftParams struct {
	Primary string `json:"primary"`
	Draft   string `json:"draft"`
}

// CheckDraftResult is the result shape for check_draft.
type CheckDraftResult struct {
	Compatible bool              `json:"compatible"`
	Errors     []string          `json:"errors,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
}

// TokenizeParams is the params shape for tokenize.
type TokenizeParams struct {
	ModelID          string `json:"model_id"`
	Text             string `json:"text"`
	AddSpecialTokens bool   `json:"add_special_tokens,omitempty"`
}

// TokenizeResult is the result shape for tokenize.
type TokenizeResult struct {
	Tokens       []int    `json:"tokens"`
	TokenStrings []string `json:"token_strings,omitempty"`
}

// BatchRequestEntry is one element of a batch_<method> request's
// "requests" array.
type BatchRequestEntry struct {
	Requests []any `json:"requests"`
}

// BatchResultEntry is one element of a batch_<method> response's "results"
// array.
type BatchResultEntry struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// BatchResult is the decoded result of any batch_<method> call.
type BatchResult struct {
	Results []BatchResultEntry `json:"results"`
}

// GenerateParams is the params shape for generate.
type GenerateParams struct {
	ModelID           string   `json:"model_id"`
	Prompt            string   `json:"prompt"`
	StreamID          string   `json:"stream_id"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	Seed              int64    `json:"seed,omitempty"`
}

// StreamChunk is the decoded params of a stream_chunk notification.
type StreamChunk struct {
	StreamID string   `json:"stream_id"`
	Token    string   `json:"token"`
	LogProb  *float64 `json:"logprob,omitempty"`
}

// StreamStats is the decoded params of a stream_stats notification.
type StreamStats struct {
	StreamID        string  `json:"stream_id"`
	TokensGenerated int     `json:"tokens_generated"`
	TokensPerSec    float64 `json:"tokens_per_sec"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TotalTime       float64 `json:"total_time"`
}

// StreamEventKind enumerates the "kind" field of a stream_event
// notification.
type StreamEventKind string

const (
	StreamEventCompleted StreamEventKind = "completed"
	StreamEventError     StreamEventKind = "error"
)

// StreamEvent is the decoded params of a stream_event notification.
type StreamEvent struct {
	StreamID string          `json:"stream_id"`
	Kind     StreamEventKind `json:"kind"`
	Message  string          `json:"message,omitempty"`
}

// CancelStreamParams is the params shape for the fire-and-forget cancel
// notification the registry sends to the child on cancellation.
type CancelStreamParams struct {
	StreamID string `json:"stream_id"`
}

// AckChunkParams is the params shape for the backpressure-credit
// acknowledgement notification sent after each consumed chunk.
type AckChunkParams struct {
	StreamID string `json:"stream_id"`
}

const (
	MethodCancelStream = "cancel_stream"
	MethodAckChunk     = "ack_chunk"
)
