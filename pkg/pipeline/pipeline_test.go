package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/agent"
	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeASR struct {
	text  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeASR) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeAgent struct {
	answer  string
	err     error
	history []agent.Exchange
}

func (f *fakeAgent) Generate(ctx context.Context, transcript string, history []agent.Exchange) (string, error) {
	f.history = history
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeTTS struct {
	chunks     [][]byte
	chunkDelay time.Duration
	failAfter  int // fail after N chunks, -1 for never
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error {
	for i, chunk := range f.chunks {
		if f.failAfter >= 0 && i == f.failAfter {
			return voiceerr.New(voiceerr.KindSynthesisFailed, "stream broke")
		}
		if f.chunkDelay > 0 {
			select {
			case <-time.After(f.chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

func testCoordinator(asrSvc *fakeASR, agentSvc *fakeAgent, ttsSvc *fakeTTS, cfg Config) *Coordinator {
	return NewCoordinator(asrSvc, agentSvc, ttsSvc, cfg, zap.NewNop())
}

func defaultFakes() (*fakeASR, *fakeAgent, *fakeTTS) {
	return &fakeASR{text: "turn the lights on"},
		&fakeAgent{answer: "done, lights are on"},
		&fakeTTS{chunks: [][]byte{{1}, {2}, {3}}, failAfter: -1}
}

func collect(t *testing.T, task *Task) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("task did not finish in time")
		}
	}
}

func TestCoordinator_SuccessfulRun(t *testing.T) {
	asrSvc, agentSvc, ttsSvc := defaultFakes()
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	events := collect(t, task)

	require.Len(t, events, 5)
	assert.Equal(t, EventTranscription, events[0].Type)
	assert.Equal(t, "turn the lights on", events[0].Text)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, EventResponseChunk, events[i].Type)
		assert.Equal(t, i-1, events[i].Index)
	}
	assert.Equal(t, EventComplete, events[4].Type)
	assert.Equal(t, "done, lights are on", events[4].Text)

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
}

func TestCoordinator_HistoryReachesAgent(t *testing.T) {
	asrSvc, agentSvc, ttsSvc := defaultFakes()
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	history := []agent.Exchange{{UserText: "hi", AgentText: "hello"}}
	task := c.Run(context.Background(), []byte{0, 0}, history)
	collect(t, task)

	assert.Equal(t, history, agentSvc.history)
}

func TestCoordinator_CancelMidSynthesisStopsChunks(t *testing.T) {
	asrSvc, agentSvc, _ := defaultFakes()
	ttsSvc := &fakeTTS{
		chunks:     [][]byte{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}},
		chunkDelay: 20 * time.Millisecond,
		failAfter:  -1,
	}
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)

	var events []Event
	cancelled := false
	for ev := range task.Events() {
		events = append(events, ev)
		if !cancelled && ev.Type == EventResponseChunk && ev.Index >= 1 {
			require.True(t, task.Cancel())
			cancelled = true
		}
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventCancelled, last.Type)

	// No chunk event follows the cancellation point.
	sawCancel := false
	for _, ev := range events {
		if sawCancel {
			assert.NotEqual(t, EventResponseChunk, ev.Type)
		}
		if ev.Type == EventCancelled {
			sawCancel = true
		}
	}
}

func TestCoordinator_CancelDuringTranscriptionEndsQuietly(t *testing.T) {
	asrSvc := &fakeASR{text: "slow", delay: 500 * time.Millisecond}
	agentSvc := &fakeAgent{answer: "x"}
	ttsSvc := &fakeTTS{chunks: [][]byte{{1}}, failAfter: -1}
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	time.Sleep(50 * time.Millisecond)
	require.True(t, task.Cancel())

	events := collect(t, task)
	for _, ev := range events {
		assert.NotEqual(t, EventResponseChunk, ev.Type)
		assert.NotEqual(t, EventTranscription, ev.Type)
	}
}

func TestCoordinator_CancelAfterCompleteIsNoOp(t *testing.T) {
	asrSvc, agentSvc, ttsSvc := defaultFakes()
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	collect(t, task)
	<-task.Done()

	// The race loser observes a clean no-op.
	assert.False(t, task.Cancel())
	assert.False(t, task.Cancelled())
}

func TestCoordinator_StageTimeoutReportsAsrTimeout(t *testing.T) {
	asrSvc := &fakeASR{text: "never", delay: time.Second}
	agentSvc := &fakeAgent{answer: "x"}
	ttsSvc := &fakeTTS{chunks: [][]byte{{1}}, failAfter: -1}
	cfg := DefaultConfig()
	cfg.StageTimeout = 50 * time.Millisecond
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, cfg)

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	events := collect(t, task)

	require.Len(t, events, 1)
	assert.Equal(t, EventTranscriptionFailed, events[0].Type)
	require.NotNil(t, events[0].Err)
	assert.Equal(t, voiceerr.KindAsrTimeout, events[0].Err.Kind)
}

func TestCoordinator_AsrFailureDropsTurn(t *testing.T) {
	asrSvc := &fakeASR{err: voiceerr.New(voiceerr.KindAsrUnavailable, "connection refused")}
	agentSvc := &fakeAgent{answer: "x"}
	ttsSvc := &fakeTTS{chunks: [][]byte{{1}}, failAfter: -1}
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	events := collect(t, task)

	require.Len(t, events, 1)
	assert.Equal(t, EventTranscriptionFailed, events[0].Type)
	assert.Equal(t, voiceerr.KindAsrUnavailable, events[0].Err.Kind)
}

func TestCoordinator_AgentFailure(t *testing.T) {
	asrSvc, _, ttsSvc := defaultFakes()
	agentSvc := &fakeAgent{err: errors.New("upstream 503")}
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	events := collect(t, task)

	require.Len(t, events, 2)
	assert.Equal(t, EventTranscription, events[0].Type)
	assert.Equal(t, EventGenerationFailed, events[1].Type)
	assert.Equal(t, voiceerr.KindAgentUnavailable, events[1].Err.Kind)
}

func TestCoordinator_MidStreamSynthesisFailureKeepsDeliveredChunks(t *testing.T) {
	asrSvc, agentSvc, _ := defaultFakes()
	ttsSvc := &fakeTTS{chunks: [][]byte{{1}, {2}, {3}, {4}}, failAfter: 2}
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	task := c.Run(context.Background(), []byte{0, 0}, nil)
	events := collect(t, task)

	chunkCount := 0
	for _, ev := range events {
		if ev.Type == EventResponseChunk {
			chunkCount++
		}
	}
	assert.Equal(t, 2, chunkCount)
	last := events[len(events)-1]
	assert.Equal(t, EventSynthesisFailed, last.Type)
	assert.Equal(t, voiceerr.KindSynthesisFailed, last.Err.Kind)
}

func TestCoordinator_FreshTaskFreshIndices(t *testing.T) {
	asrSvc, agentSvc, ttsSvc := defaultFakes()
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	first := c.Run(context.Background(), []byte{0, 0}, nil)
	collect(t, first)

	second := c.Run(context.Background(), []byte{0, 0}, nil)
	events := collect(t, second)

	assert.NotEqual(t, first.ID, second.ID)
	for _, ev := range events {
		if ev.Type == EventResponseChunk && ev.Index == 0 {
			return
		}
	}
	t.Fatal("second task did not restart chunk numbering at zero")
}

func TestCoordinator_EmitStallFailsTask(t *testing.T) {
	asrSvc, agentSvc, _ := defaultFakes()
	ttsSvc := &fakeTTS{chunks: [][]byte{{1}, {2}, {3}}, failAfter: -1}
	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	cfg.EmitTimeout = 50 * time.Millisecond
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, cfg)

	// Nobody drains the events channel, so emission stalls past the bound.
	task := c.Run(context.Background(), []byte{0, 0}, nil)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled task did not fail in time")
	}

	// The task fails rather than buffering without bound; with the queue
	// jammed even the terminal event may be dropped, but the sequence
	// still closes and never reports success.
	for ev := range task.Events() {
		assert.NotEqual(t, EventComplete, ev.Type)
	}
}

func TestCoordinator_ParentContextCancellation(t *testing.T) {
	asrSvc := &fakeASR{text: "slow", delay: 300 * time.Millisecond}
	agentSvc := &fakeAgent{answer: "x"}
	ttsSvc := &fakeTTS{chunks: [][]byte{{1}}, failAfter: -1}
	c := testCoordinator(asrSvc, agentSvc, ttsSvc, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	task := c.Run(ctx, []byte{0, 0}, nil)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task survived parent context cancellation")
	}
}
