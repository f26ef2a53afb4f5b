package mlxdispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/events"
	"github.com/joeycumines/go-mlxdispatch/internal/multiplex"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// defaultRPCTimeout bounds any non-streaming child RPC that has no
// operation-specific timeout of its own.
const defaultRPCTimeout = 60 * time.Second

// decodeInput normalizes a caller-supplied loosely-typed params map (which
// may mix camelCase and snake_case keys) to the canonical shape and decodes
// it into out.
func decodeInput(raw map[string]any, out any) error {
	norm := wire.NormalizeKeys(raw)
	b, err := json.Marshal(norm)
	if err != nil {
		return errValidation("invalid input: %v", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errValidation("invalid input: %v", err)
	}
	return nil
}

// LoadModelInput is LoadModel's typed parameter shape.
type LoadModelInput struct {
	ModelID      string `json:"modelId"`
	Revision     string `json:"revision,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	LocalPath    string `json:"localPath,omitempty"`
}

// LoadModelInputFromMap decodes a loosely-typed params map into a
// LoadModelInput, accepting either camelCase or snake_case keys.
func LoadModelInputFromMap(raw map[string]any) (LoadModelInput, error) {
	var in LoadModelInput
	err := decodeInput(raw, &in)
	return in, err
}

// LoadModel loads modelId into the child runtime and registers its handle.
// At most one ready handle per modelId exists at a time.
func (e *Engine) LoadModel(ctx context.Context, in LoadModelInput) (ModelHandle, error) {
	if in.ModelID == "" {
		return ModelHandle{}, errValidation("modelId is required")
	}
	b, err := e.currentBundle(ctx)
	if err != nil {
		return ModelHandle{}, err
	}

	h := &ModelHandle{ModelID: in.ModelID, Revision: in.Revision, Quantization: in.Quantization, State: HandleLoading}
	e.arena.put(h)

	raw, rpcErr := b.correlator.Request(ctx, wire.MethodLoadModel, wire.LoadModelParams{
		ModelID:      in.ModelID,
		Revision:     in.Revision,
		Quantization: in.Quantization,
		LocalPath:    in.LocalPath,
	}, defaultRPCTimeout)
	if rpcErr != nil {
		h.State = HandleFailed
		if mapped, ok := commonRPCErr(wire.MethodLoadModel, rpcErr); ok {
			return ModelHandle{}, mapped
		}
		return ModelHandle{}, errModelLoad(rpcErr, in.ModelID)
	}

	var result wire.LoadModelResult
	if err := wire.DecodeResult(raw, &result); err != nil {
		h.State = HandleFailed
		return ModelHandle{}, errModelLoad(err, in.ModelID)
	}

	h.State = HandleReady
	h.Descriptor = descriptorFromWire(result.Descriptor)
	h.LoadedAt = time.Now()
	h.LastAccess = h.LoadedAt
	e.arena.put(h)
	e.emitter.Emit(events.ModelLoaded, in.ModelID)
	return *h, nil
}

// UnloadModel releases modelId's resources on the child and drops its
// handle.
func (e *Engine) UnloadModel(ctx context.Context, modelID string) error {
	if _, ok := e.arena.get(modelID); !ok {
		return errModelNotLoaded(modelID)
	}
	b, err := e.currentBundle(ctx)
	if err != nil {
		return err
	}
	_, rpcErr := b.correlator.Request(ctx, wire.MethodUnloadModel, wire.UnloadModelParams{ModelID: modelID}, defaultRPCTimeout)
	if rpcErr != nil {
		if mapped, ok := commonRPCErr(wire.MethodUnloadModel, rpcErr); ok {
			return mapped
		}
		return errRuntime(rpcErr, "failed to unload model %q", modelID)
	}
	e.arena.delete(modelID)
	e.emitter.Emit(events.ModelUnloaded, modelID)
	return nil
}

// LoadDraftModel loads modelId as a speculative-decoding draft model.
func (e *Engine) LoadDraftModel(ctx context.Context, modelID string) (ModelHandle, error) {
	if modelID == "" {
		return ModelHandle{}, errValidation("modelId is required")
	}
	b, err := e.currentBundle(ctx)
	if err != nil {
		return ModelHandle{}, err
	}

	raw, rpcErr := b.correlator.Request(ctx, wire.MethodLoadDraftModel, wire.LoadDraftModelParams{ModelID: modelID, Draft: true}, defaultRPCTimeout)
	if rpcErr != nil {
		if mapped, ok := commonRPCErr(wire.MethodLoadDraftModel, rpcErr); ok {
			return ModelHandle{}, mapped
		}
		return ModelHandle{}, errModelLoad(rpcErr, modelID)
	}
	var result wire.LoadModelResult
	if err := wire.DecodeResult(raw, &result); err != nil {
		return ModelHandle{}, errModelLoad(err, modelID)
	}

	h := &ModelHandle{
		ModelID:    modelID,
		State:      HandleReady,
		Descriptor: descriptorFromWire(result.Descriptor),
		Draft:      true,
		LoadedAt:   time.Now(),
	}
	h.LastAccess = h.LoadedAt
	e.arena.put(h)
	e.emitter.Emit(events.ModelLoaded, modelID)
	return *h, nil
}

// CheckDraftCompatibility reports whether draftModelID is speculative-decode
// compatible with primaryModelID, per the child's own compatibility rules.
func (e *Engine) CheckDraftCompatibility(ctx context.Context, primaryModelID, draftModelID string) (wire.CheckDraftResult, error) {
	b, err := e.currentBundle(ctx)
	if err != nil {
		return wire.CheckDraftResult{}, err
	}
	params := wire.CheckDraftParams{Primary: primaryModelID, Draft: draftModelID}
	raw, rpcErr := b.batchDispatch(ctx, wire.MethodCheckDraft, primaryModelID, params, multiplex.PriorityNormal, defaultRPCTimeout)
	if rpcErr != nil {
		if mapped, ok := commonRPCErr(wire.MethodCheckDraft, rpcErr); ok {
			return wire.CheckDraftResult{}, mapped
		}
		return wire.CheckDraftResult{}, errRuntime(rpcErr, "check_draft failed")
	}
	var result wire.CheckDraftResult
	if err := wire.DecodeResult(raw, &result); err != nil {
		return wire.CheckDraftResult{}, errRuntime(err, "decoding check_draft result")
	}
	return result, nil
}

// TokenizeInput is Tokenize's typed parameter shape.
type TokenizeInput struct {
	ModelID          string `json:"modelId"`
	Text             string `json:"text"`
	AddSpecialTokens bool   `json:"addBos,omitempty"`
}

// TokenizeInputFromMap decodes a loosely-typed params map into a
// TokenizeInput, accepting either camelCase or snake_case keys.
func TokenizeInputFromMap(raw map[string]any) (TokenizeInput, error) {
	var in TokenizeInput
	err := decodeInput(raw, &in)
	return in, err
}

// Tokenize tokenizes text against modelId's tokenizer, coalesced with
// concurrent callers through the ops multiplexer when the runtime supports
// batch_tokenize.
func (e *Engine) Tokenize(ctx context.Context, in TokenizeInput) (wire.TokenizeResult, error) {
	if in.ModelID == "" {
		return wire.TokenizeResult{}, errValidation("modelId is required")
	}
	if _, ok := e.arena.get(in.ModelID); !ok {
		return wire.TokenizeResult{}, errModelNotLoaded(in.ModelID)
	}
	b, err := e.currentBundle(ctx)
	if err != nil {
		return wire.TokenizeResult{}, err
	}
	e.arena.touch(in.ModelID)

	params := wire.TokenizeParams{ModelID: in.ModelID, Text: in.Text, AddSpecialTokens: in.AddSpecialTokens}
	raw, rpcErr := b.batchDispatch(ctx, wire.MethodTokenize, in.ModelID, params, multiplex.PriorityNormal, defaultRPCTimeout)
	if rpcErr != nil {
		if mapped, ok := commonRPCErr(wire.MethodTokenize, rpcErr); ok {
			return wire.TokenizeResult{}, mapped
		}
		return wire.TokenizeResult{}, errTokenizer(rpcErr, in.ModelID)
	}
	var result wire.TokenizeResult
	if err := wire.DecodeResult(raw, &result); err != nil {
		return wire.TokenizeResult{}, errTokenizer(err, in.ModelID)
	}
	return result, nil
}

// WarmupModel issues a trivial tokenize call against modelId so the child's
// first real request doesn't pay a cold-cache penalty (supplemented
// feature: the child protocol has no dedicated warmup method).
func (e *Engine) WarmupModel(ctx context.Context, modelID string) error {
	_, err := e.Tokenize(ctx, TokenizeInput{ModelID: modelID, Text: "warmup"})
	return err
}
