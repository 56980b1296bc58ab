package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	// failures makes the next n calls fail with transient.
	failures  int
	transient error
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", f.transient
	}
	return f.val, f.err
}

type fakeBot struct {
	sent []*telego.SendMessageParams
	err  error
}

func (f *fakeBot) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.sent = append(f.sent, params)
	if f.err != nil {
		return nil, f.err
	}
	return &telego.Message{MessageID: len(f.sent)}, nil
}

func newTestNotifier(t *testing.T, g Getter, bot *fakeBot) *Notifier {
	t.Helper()
	n, err := New(g, "/shop")
	require.NoError(t, err)
	n.newBot = func(token string) (botAPI, error) {
		require.Equal(t, "123:abc", token)
		return bot, nil
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "/shop")
	require.ErrorContains(t, err, "nil")
	_, err = New(&fakeGetter{}, "")
	require.ErrorContains(t, err, "prefix")
}

func TestNotify_SendsHTMLToConfiguredChat(t *testing.T) {
	g := &fakeGetter{val: `{"token":"123:abc","chatId":-1001}`}
	bot := &fakeBot{}
	n := newTestNotifier(t, g, bot)

	require.NoError(t, n.Notify(context.Background(), "<b>🚨 escalation</b>"))
	require.NoError(t, n.Notify(context.Background(), "<b>🛒 order</b>"))

	require.Len(t, bot.sent, 2)
	require.Equal(t, int64(-1001), bot.sent[0].ChatID.ID)
	require.Equal(t, telego.ModeHTML, bot.sent[0].ParseMode)
	require.Equal(t, "<b>🚨 escalation</b>", bot.sent[0].Text)
	require.Equal(t, 1, g.calls, "credentials are read once")
}

func TestNotify_Errors(t *testing.T) {
	cases := []struct {
		name    string
		getter  *fakeGetter
		botErr  error
		wantErr string
	}{
		{"ssm failure", &fakeGetter{err: errors.New("ssm down")}, nil, "ssm down"},
		{"bad json", &fakeGetter{val: `{"token"`}, nil, "unmarshal"},
		{"missing chat", &fakeGetter{val: `{"token":"123:abc"}`}, nil, "chatId"},
		{"send failure", &fakeGetter{val: `{"token":"123:abc","chatId":5}`}, errors.New("forbidden"), "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNotifier(t, tc.getter, &fakeBot{err: tc.botErr})
			err := n.Notify(context.Background(), "hello")
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNotify_CredentialsRetriedAfterTransientFailure(t *testing.T) {
	g := &fakeGetter{val: `{"token":"123:abc","chatId":-100500}`, failures: 1, transient: errors.New("i/o timeout")}
	bot := &fakeBot{}
	n := newTestNotifier(t, g, bot)

	require.ErrorContains(t, n.Notify(context.Background(), "first"), "i/o timeout")
	require.Empty(t, bot.sent)

	require.NoError(t, n.Notify(context.Background(), "second"))
	require.NoError(t, n.Notify(context.Background(), "third"))
	require.Len(t, bot.sent, 2)
	require.Equal(t, 2, g.calls, "credentials cached after the first successful read")
}

func TestNotify_EmptyText(t *testing.T) {
	g := &fakeGetter{val: `{"token":"123:abc","chatId":5}`}
	n := newTestNotifier(t, g, &fakeBot{})
	require.ErrorContains(t, n.Notify(context.Background(), "  "), "empty")
	require.Zero(t, g.calls)
}

func TestNotify_TruncatesLongMessages(t *testing.T) {
	bot := &fakeBot{}
	n := newTestNotifier(t, &fakeGetter{val: `{"token":"123:abc","chatId":5}`}, bot)

	require.NoError(t, n.Notify(context.Background(), strings.Repeat("ა", maxMessageLen+50)))
	require.Len(t, bot.sent, 1)
	require.Equal(t, maxMessageLen, utf8.RuneCountInString(bot.sent[0].Text))
	require.True(t, strings.HasSuffix(bot.sent[0].Text, "…"))
}
