package reply

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimhq/pim/internal/config"
	"github.com/pimhq/pim/internal/history"
	"github.com/pimhq/pim/internal/llm"
	"github.com/pimhq/pim/internal/persona"
)

type stubGenerator struct {
	got  []llm.ChatMessage
	res  llm.Result
	err  error
	hits int
}

func (g *stubGenerator) Generate(_ context.Context, messages []llm.ChatMessage) (llm.Result, error) {
	g.hits++
	g.got = messages
	return g.res, g.err
}

type stubStore struct {
	stored   []history.Turn
	appended []history.Turn
}

func (s *stubStore) Append(_ context.Context, deviceID, threadKey, role, content string) (history.Turn, error) {
	turn := history.Turn{DeviceID: deviceID, ThreadKey: threadKey, Role: role, Content: content}
	s.appended = append(s.appended, turn)
	return turn, nil
}

func (s *stubStore) Recent(_ context.Context, _, _ string, _ int) ([]history.Turn, error) {
	return s.stored, nil
}

func newTestService(t *testing.T, gen *stubGenerator, store HistoryStore) *Service {
	t.Helper()
	builder, err := persona.NewBuilder(config.PersonaConfig{Name: "PIM", Owner: "Sam"}, 10)
	require.NoError(t, err)
	return NewService(nil, builder, gen, store, 10)
}

func TestReplyUsesClientHistory(t *testing.T) {
	gen := &stubGenerator{res: llm.Result{Text: "sure!", Model: "m", KeyLabel: "alpha"}}
	store := &stubStore{stored: []history.Turn{{Role: "user", Content: "stored turn"}}}
	svc := newTestService(t, gen, store)

	resp, err := svc.Reply(context.Background(), "dev-1", Request{
		Sender:  "ana_k",
		Text:    "you around?",
		History: []persona.Turn{{Role: "user", Content: "client turn"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sure!", resp.Reply)
	assert.Equal(t, "alpha", resp.Key)

	// system + client turn + incoming; stored history ignored.
	require.Len(t, gen.got, 3)
	assert.Equal(t, "client turn", gen.got[1].Content)
	assert.Equal(t, "you around?", gen.got[2].Content)
}

func TestReplyFallsBackToStoredHistory(t *testing.T) {
	gen := &stubGenerator{res: llm.Result{Text: "hey"}}
	store := &stubStore{stored: []history.Turn{
		{Role: "user", Content: "old question"},
		{Role: "assistant", Content: "old answer"},
	}}
	svc := newTestService(t, gen, store)

	_, err := svc.Reply(context.Background(), "dev-1", Request{Sender: "ana_k", Text: "hi"})
	require.NoError(t, err)

	require.Len(t, gen.got, 4)
	assert.Equal(t, "old question", gen.got[1].Content)
	assert.Equal(t, "old answer", gen.got[2].Content)
}

func TestReplyPersistsBothTurns(t *testing.T) {
	gen := &stubGenerator{res: llm.Result{Text: "done"}}
	store := &stubStore{}
	svc := newTestService(t, gen, store)

	_, err := svc.Reply(context.Background(), "dev-1", Request{Sender: "ana_k", Thread: "t-9", Text: "hi"})
	require.NoError(t, err)

	require.Len(t, store.appended, 2)
	assert.Equal(t, "user", store.appended[0].Role)
	assert.Equal(t, "hi", store.appended[0].Content)
	assert.Equal(t, "assistant", store.appended[1].Role)
	assert.Equal(t, "done", store.appended[1].Content)
	assert.Equal(t, "t-9", store.appended[0].ThreadKey)
}

func TestReplyThreadDefaultsToSender(t *testing.T) {
	gen := &stubGenerator{res: llm.Result{Text: "ok"}}
	store := &stubStore{}
	svc := newTestService(t, gen, store)

	_, err := svc.Reply(context.Background(), "dev-1", Request{Sender: "ana_k", Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, store.appended)
	assert.Equal(t, "ana_k", store.appended[0].ThreadKey)
}

func TestReplyValidation(t *testing.T) {
	gen := &stubGenerator{}
	svc := newTestService(t, gen, &stubStore{})

	_, err := svc.Reply(context.Background(), "dev-1", Request{Text: "hi"})
	assert.Error(t, err, "missing sender")

	_, err = svc.Reply(context.Background(), "dev-1", Request{Sender: "ana_k", Text: "  "})
	assert.Error(t, err, "missing text")

	assert.Zero(t, gen.hits)
}

func TestReplyGeneratorErrorSkipsPersistence(t *testing.T) {
	gen := &stubGenerator{err: errors.New("provider down")}
	store := &stubStore{}
	svc := newTestService(t, gen, store)

	_, err := svc.Reply(context.Background(), "dev-1", Request{Sender: "ana_k", Text: "hi"})
	require.Error(t, err)
	assert.Empty(t, store.appended)
}
