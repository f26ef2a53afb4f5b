package wire

// aliases maps a normalized (camelCase) key to every alternate spelling
// the facade accepts on input. Normalization never reinterprets values,
// only key names.
var aliases = map[string][]string{
	"modelId":         {"model_id", "model"},
	"stream":          {"streaming"},
	"addBos":          {"add_special_tokens", "add_bos"},
	"maxTokens":       {"max_tokens"},
	"topP":            {"top_p"},
	"repetitionPenalty": {"repetition_penalty"},
	"stopSequences":   {"stop_sequences"},
	"streamId":        {"stream_id"},
	"tenantId":        {"tenant_id"},
	"localPath":       {"local_path"},
}

// canonical is the reverse index: every accepted spelling -> normalized key.
var canonical = func() map[string]string {
	m := make(map[string]string, len(aliases)*2)
	for norm, alts := range aliases {
		m[norm] = norm
		for _, alt := range alts {
			m[alt] = norm
		}
	}
	return m
}()

// NormalizeKeys re-keys a caller-supplied params map to the internal
// camelCase shape, leaving unrecognized keys untouched. It is an involution
// for every supported alias: NormalizeKeys(NormalizeKeys(m)) == NormalizeKeys(m).
func NormalizeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if norm, ok := canonical[k]; ok {
			out[norm] = v
		} else {
			out[k] = v
		}
	}
	return out
}
