package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	childID := uuid.New()

	cmd, err := DecodeCommand([]byte(childID.String()),
		[]byte(`{"gameKey":"sticker_book","dataKey":"page_1","dataValue":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, childID, cmd.ChildID)
	assert.JSONEq(t, `{"n":1}`, string(cmd.DataValue))

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"not json", "", `{`},
		{"no child", "", `{"gameKey":"g","dataKey":"k","dataValue":1}`},
		{"bad key", "nope", `{"gameKey":"g","dataKey":"k","dataValue":1}`},
		{"key mismatch", uuid.NewString(), `{"childId":"` + childID.String() + `","gameKey":"g","dataKey":"k","dataValue":1}`},
		{"no game", childID.String(), `{"dataKey":"k","dataValue":1}`},
		{"no data key", childID.String(), `{"gameKey":"g","dataValue":1}`},
		{"no value", childID.String(), `{"gameKey":"g","dataKey":"k"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.key), []byte(tt.value))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeAgree(t *testing.T) {
	in := domain.SaveCommand{
		ChildID:   uuid.New(),
		GameKey:   "sticker_book",
		DataKey:   "page_2",
		DataValue: json.RawMessage(`[1,2]`),
		DeviceID:  "tablet",
	}
	key, value, err := EncodeCommand(in)
	require.NoError(t, err)

	out, err := DecodeCommand(key, value)
	require.NoError(t, err)
	assert.Equal(t, in.ChildID, out.ChildID)
	assert.Equal(t, "tablet", out.DeviceID)
}

type recordingHandler struct {
	mu      sync.Mutex
	batches [][]domain.SaveCommand
	// failOn makes the batch holding this data key fail
	failOn string
}

func (h *recordingHandler) SaveChildDataBatch(_ context.Context, commands []domain.SaveCommand) (domain.BatchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, append([]domain.SaveCommand(nil), commands...))
	for i, cmd := range commands {
		if h.failOn != "" && cmd.DataKey == h.failOn {
			return domain.BatchResult{Saved: i}, &domain.TransientError{Op: "upserting game data", Err: errors.New("database unavailable")}
		}
	}
	return domain.BatchResult{Saved: len(commands)}, nil
}

func (h *recordingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, b := range h.batches {
		n += len(b)
	}
	return n
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "game-data-saves" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimBatchesAndSkipsMalformed(t *testing.T) {
	handler := &recordingHandler{}
	consumer := &Consumer{
		config:  &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour},
		handler: handler,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	groupHandler := &consumerGroupHandler{consumer: consumer}

	childID := uuid.New()
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 8)}
	for i, value := range []string{
		`{"gameKey":"sticker_book","dataKey":"a","dataValue":1}`,
		`not json`,
		`{"gameKey":"sticker_book","dataKey":"b","dataValue":2}`,
		`{"gameKey":"sticker_book","dataKey":"c","dataValue":3}`,
	} {
		claim.messages <- &sarama.ConsumerMessage{
			Key:    []byte(childID.String()),
			Value:  []byte(value),
			Offset: int64(i),
		}
	}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, groupHandler.ConsumeClaim(session, claim))

	assert.Equal(t, 3, handler.total())
	require.Len(t, handler.batches, 2)
	assert.Len(t, handler.batches[0], 2)
	assert.Equal(t, "c", handler.batches[1][0].DataKey)

	require.NotEmpty(t, session.marked)
	assert.Equal(t, int64(3), session.marked[len(session.marked)-1])
}

func TestConsumeClaimLeavesFailedBatchUnmarked(t *testing.T) {
	handler := &recordingHandler{failOn: "c"}
	consumer := &Consumer{
		config:  &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour},
		handler: handler,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	groupHandler := &consumerGroupHandler{consumer: consumer}

	childID := uuid.New()
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 8)}
	for i, key := range []string{"a", "b", "c", "d", "e"} {
		claim.messages <- &sarama.ConsumerMessage{
			Key:    []byte(childID.String()),
			Value:  []byte(`{"gameKey":"sticker_book","dataKey":"` + key + `","dataValue":1}`),
			Offset: int64(i),
		}
	}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	err := groupHandler.ConsumeClaim(session, claim)
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))

	// the first batch was saved and marked, the failing one and everything
	// after it was not
	assert.Equal(t, []int64{1}, session.marked)
	require.Len(t, handler.batches, 2)
	assert.Equal(t, "c", handler.batches[1][0].DataKey)
}

// fakeGroup runs a few short sessions and then holds the last one open
type fakeGroup struct {
	mu       sync.Mutex
	sessions int
	errs     chan error
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.sessions++
	n := g.sessions
	g.mu.Unlock()

	session := &fakeSession{ctx: ctx}
	if err := handler.Setup(session); err != nil {
		return err
	}
	if n < 3 {
		return handler.Cleanup(session)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }
func (g *fakeGroup) Close() error { return nil }
func (g *fakeGroup) Pause(map[string][]int32) {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll() {}
func (g *fakeGroup) ResumeAll() {}

func (g *fakeGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

func TestStartSurvivesRebalances(t *testing.T) {
	group := &fakeGroup{errs: make(chan error)}
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{
		config:        &config.KafkaConfig{Topic: "game-data-saves", BatchSize: 10, BatchTimeout: time.Second},
		handler:       &recordingHandler{},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
	}

	require.NoError(t, consumer.Start())
	require.Eventually(t, func() bool { return group.count() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, consumer.Stop())
	assert.Equal(t, 3, group.count())
}
