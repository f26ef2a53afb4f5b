package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-mlxdispatch/internal/transport"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// TestMain lets this test binary double as the child process it spawns:
// when GO_WANT_HELPER_PROCESS is set, it speaks the runtime wire protocol
// over stdin/stdout instead of running the test suite.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		return
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	mode := os.Getenv("GO_HELPER_MODE")
	if mode == "failStartup" {
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var msg wire.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Method {
		case wire.MethodRuntimeInfo:
			info := wire.RuntimeInfo{
				Version:      "test-runtime",
				Protocol:     wire.Version,
				Capabilities: []string{wire.CapabilityBatchTokenize},
			}
			raw, _ := json.Marshal(info)
			resp := wire.Message{JSONRPC: wire.Version, ID: msg.ID, Result: raw}
			b, _ := json.Marshal(resp)
			os.Stdout.Write(append(b, '\n'))
			if mode == "exitAfterReady" {
				os.Exit(1)
			}
		case wire.MethodShutdown:
			os.Exit(0)
		}
	}
}

func TestStartProbesAndBecomesReady(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	var gotInfo wire.RuntimeInfo
	s := New(Config{
		Command: os.Args[0],
		OnTransport: func(tr *transport.Transport, info wire.RuntimeInfo) func(wire.Message) {
			gotInfo = info
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	assert.Equal(t, StatusReady, s.Info().Status)
	assert.Equal(t, "test-runtime", gotInfo.Version)
	assert.True(t, gotInfo.HasCapability(wire.CapabilityBatchTokenize))
}

func TestStartFailsAfterExhaustingRestarts(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("GO_HELPER_MODE", "failStartup")

	s := New(Config{
		Command:          os.Args[0],
		MaxRestarts:      2,
		RestartDelayBase: 10 * time.Millisecond,
		StartupTimeout:   time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusError, s.Info().Status)
}

func TestUnexpectedExitTriggersOnExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("GO_HELPER_MODE", "exitAfterReady")

	exitCh := make(chan struct{}, 1)
	s := New(Config{
		Command:          os.Args[0],
		MaxRestarts:      2,
		RestartDelayBase: 10 * time.Millisecond,
		StartupTimeout:   time.Second,
		OnExit: func(err error) {
			select {
			case exitCh <- struct{}{}:
			default:
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit was never called after the child exited unexpectedly")
	}
}

func TestStopIsIdempotentWhenNeverStarted(t *testing.T) {
	s := New(Config{Command: os.Args[0]})
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StatusStopped, s.Info().Status)
}

func TestGetTransportNilUntilReady(t *testing.T) {
	s := New(Config{Command: os.Args[0]})
	assert.Nil(t, s.GetTransport())
}
