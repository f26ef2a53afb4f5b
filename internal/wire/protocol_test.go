package wire

import "testing"

func TestBatchMethod(t *testing.T) {
	if got := BatchMethod("tokenize"); got != "batch_tokenize" {
		t.Fatalf("BatchMethod(tokenize) = %q, want batch_tokenize", got)
	}
}

func TestRuntimeInfoHasCapability(t *testing.T) {
	info := RuntimeInfo{Capabilities: []string{CapabilityBatchTokenize}}
	if !info.HasCapability(CapabilityBatchTokenize) {
		t.Fatalf("expected HasCapability(%s) to be true", CapabilityBatchTokenize)
	}
	if info.HasCapability(CapabilityBatchGenerate) {
		t.Fatalf("expected HasCapability(%s) to be false", CapabilityBatchGenerate)
	}
}
