package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"commerce-agent/internal/domain"
)

// ---------------------------------------------------------------------------
// SplitMessage
// ---------------------------------------------------------------------------

func TestSplitMessage(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"empty", "   ", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"paragraph boundary", "first para\n\nsecond", 14, []string{"first para", "second"}},
		{"word boundary", "one two three", 8, []string{"one two", "three"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SplitMessage(tc.text, tc.limit))
		})
	}
}

func TestSplitMessage_CountsRunes(t *testing.T) {
	text := strings.Repeat("ა", 4500)
	chunks := SplitMessage(text, maxMessageChars)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		require.LessOrEqual(t, utf8.RuneCountInString(c), maxMessageChars)
		require.True(t, utf8.ValidString(c))
	}
	require.Equal(t, text, strings.Join(chunks, ""))
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func newTestDispatcher(t *testing.T, sender *recordingSender, store *memConversations, catalog *stubCatalog) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(sender, store, catalog, 40)
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_ValidatesDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, newMemConversations(), &stubCatalog{}, 0)
	require.Error(t, err)
	_, err = NewDispatcher(&recordingSender{}, nil, &stubCatalog{}, 0)
	require.Error(t, err)
	_, err = NewDispatcher(&recordingSender{}, newMemConversations(), nil, 0)
	require.Error(t, err)

	d, err := NewDispatcher(&recordingSender{}, newMemConversations(), &stubCatalog{}, 0)
	require.NoError(t, err)
	require.Equal(t, defaultHistoryWindow, d.historyWindow)
}

func TestDispatch_ImagesBeforeTextAndUnknownSkipped(t *testing.T) {
	sender := &recordingSender{}
	store := newMemConversations()
	catalog := &stubCatalog{products: map[string]domain.Product{
		"a": {ID: "a", ImageURL: "https://cdn.example/a.jpg"},
		"b": {ID: "b"},
		"c": {ID: "c", ImageURL: "https://cdn.example/c.jpg"},
	}}
	d := newTestDispatcher(t, sender, store, catalog)

	conv := &domain.Conversation{ID: convID}
	err := d.Dispatch(context.Background(), conv, Outgoing{
		UserContent: domain.TextContent("სურათები მაჩვენეთ"),
		ReplyText:   "აი ისინი",
		ImageIDs:    []string{"c", "missing", "b", "a"},
		At:          t0,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.example/c.jpg", "https://cdn.example/a.jpg"}, sender.images)
	require.Equal(t, []string{"აი ისინი"}, sender.texts)
	require.Len(t, store.get(convID).History, 2)
}

func TestDispatch_ImageFailureDoesNotBlockText(t *testing.T) {
	sender := &recordingSender{imgErr: errors.New("attachment rejected")}
	catalog := &stubCatalog{products: map[string]domain.Product{"a": {ID: "a", ImageURL: "https://cdn.example/a.jpg"}}}
	d := newTestDispatcher(t, sender, newMemConversations(), catalog)

	conv := &domain.Conversation{ID: convID}
	err := d.Dispatch(context.Background(), conv, Outgoing{UserContent: domain.TextContent("hi"), ReplyText: "hello", ImageIDs: []string{"a"}, At: t0})
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, sender.texts)
}

func TestDispatch_LongReplyIsChunked(t *testing.T) {
	sender := &recordingSender{}
	d := newTestDispatcher(t, sender, newMemConversations(), &stubCatalog{})

	long := strings.Repeat("სიტყვა ", 600)
	conv := &domain.Conversation{ID: convID}
	require.NoError(t, d.Dispatch(context.Background(), conv, Outgoing{UserContent: domain.TextContent("hi"), ReplyText: long, At: t0}))
	require.Greater(t, len(sender.texts), 1)
	for _, chunk := range sender.texts {
		require.LessOrEqual(t, utf8.RuneCountInString(chunk), maxMessageChars)
	}
	require.Equal(t, long, conv.History[1].Content.Text, "history keeps the whole reply")
}

func TestDispatch_SaveFailure(t *testing.T) {
	store := newMemConversations()
	store.saveErr = errors.New("dynamodb down")
	d := newTestDispatcher(t, &recordingSender{}, store, &stubCatalog{})

	conv := &domain.Conversation{ID: convID, OperatorInstruction: "keep it short"}
	err := d.Dispatch(context.Background(), conv, Outgoing{UserContent: domain.TextContent("hi"), ReplyText: "hello", At: t0})
	require.ErrorContains(t, err, "save conversation")
	require.Equal(t, "keep it short", conv.OperatorInstruction, "instruction survives a failed save")
}

func TestDispatch_RejectsInconsistentContent(t *testing.T) {
	d := newTestDispatcher(t, &recordingSender{}, newMemConversations(), &stubCatalog{})
	conv := &domain.Conversation{ID: convID}
	err := d.Dispatch(context.Background(), conv, Outgoing{
		UserContent: domain.Content{Kind: domain.ContentTextWithAttachments, Text: "x"},
		ReplyText:   "hello",
		At:          t0,
	})
	require.ErrorContains(t, err, "user content")
}

func TestPersist_RoundTripIsStable(t *testing.T) {
	store := newMemConversations()
	d := newTestDispatcher(t, &recordingSender{}, store, &stubCatalog{})

	history := make([]domain.Turn, 45)
	for i := range history {
		history[i] = domain.Turn{Role: domain.RoleUser, Content: domain.TextContent(strings.Repeat("y", i+1)), Timestamp: t0}
	}
	conv := &domain.Conversation{ID: convID, History: history}
	require.NoError(t, d.Persist(context.Background(), conv, t0))

	first := store.get(convID).History
	require.Len(t, first, 40)

	reloaded, err := store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, d.Persist(context.Background(), &reloaded, t0))
	require.Equal(t, first, store.get(convID).History)
}

func TestPersist_InstructionReplacedDuringProcessingSurvives(t *testing.T) {
	store := newMemConversations()
	store.put(domain.Conversation{ID: convID, OperatorInstruction: "offer 10% off"})
	d := newTestDispatcher(t, &recordingSender{}, store, &stubCatalog{})

	conv, err := store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	store.put(domain.Conversation{ID: convID, OperatorInstruction: "ask for the size"})

	require.NoError(t, d.Persist(context.Background(), &conv, t0))
	require.Equal(t, []string{"offer 10% off"}, store.consumed)
	require.Equal(t, "ask for the size", store.get(convID).OperatorInstruction)
	require.Empty(t, conv.OperatorInstruction)

	next, err := store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, d.Persist(context.Background(), &next, t0))
	require.Empty(t, store.get(convID).OperatorInstruction)
}
