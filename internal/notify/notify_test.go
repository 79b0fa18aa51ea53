package notify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTerminalSendAndReply(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("\n  \nmerged all\n"), &out)

	require.NoError(t, term.Send(context.Background(), "PRs ready: #1, #2"))
	assert.Contains(t, out.String(), "PRs ready: #1, #2")

	reply, err := term.WaitForReply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "merged all", reply)
	assert.Equal(t, "terminal", term.Name())
}

func TestTerminalEOF(t *testing.T) {
	term := NewTerminal(strings.NewReader(""), io.Discard)
	_, err := term.WaitForReply(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminalCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := term.WaitForReply(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeBot struct {
	sent    []tgbotapi.Chattable
	updates chan tgbotapi.Update
	stopped int
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() { b.stopped++ }

func message(chatID int64, at time.Time, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		Date: int(at.Unix()),
		Text: text,
	}}
}

func TestTelegramWaitsForConfiguredChat(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update, 4)}
	tg := newTelegram(bot, 100, quietLogger())

	require.NoError(t, tg.Send(context.Background(), "ready: #3"))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(100), msg.ChatID)
	assert.Equal(t, "ready: #3", msg.Text)

	bot.updates <- message(100, time.Now().Add(-time.Hour), "old reply")
	bot.updates <- message(999, time.Now(), "stranger")
	bot.updates <- tgbotapi.Update{}
	bot.updates <- message(100, time.Now().Add(time.Second), " done ")

	reply, err := tg.WaitForReply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", reply)
	assert.Equal(t, 1, bot.stopped)
}

func TestTelegramCancelled(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update)}
	tg := newTelegram(bot, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tg.WaitForReply(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewTelegramValidation(t *testing.T) {
	_, err := NewTelegram("", 1, quietLogger())
	assert.Error(t, err)
	_, err = NewTelegram("token", 0, quietLogger())
	assert.Error(t, err)
}

func TestAckFile(t *testing.T) {
	dir := t.TempDir()
	ack := filepath.Join(dir, "merge.ack")
	ch := NewAckFile(ack, quietLogger())

	// A stale ack from a previous wave must not count
	require.NoError(t, os.WriteFile(ack, []byte("stale"), 0644))
	require.NoError(t, ch.Send(context.Background(), "ready: #5"))
	assert.NoFileExists(t, ack)
	data, err := os.ReadFile(ch.NoticePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "ready: #5")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(ack, []byte("merged\n"), 0644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := ch.WaitForReply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "merged", reply)
	assert.NoFileExists(t, ack)
	assert.NoFileExists(t, ch.NoticePath())
}

func TestAckFileAlreadyPresent(t *testing.T) {
	ack := filepath.Join(t.TempDir(), "merge.ack")
	ch := NewAckFile(ack, quietLogger())
	require.NoError(t, os.WriteFile(ack, nil, 0644))

	reply, err := ch.WaitForReply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}

func TestNewChannel(t *testing.T) {
	c, err := New(Config{Kind: KindTerminal}, nil)
	require.NoError(t, err)
	assert.Equal(t, "terminal", c.Name())

	_, err = New(Config{Kind: KindFile}, nil)
	assert.Error(t, err)

	c, err = New(Config{Kind: KindFile, AckFile: filepath.Join(t.TempDir(), "a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "file", c.Name())

	_, err = New(Config{Kind: "pager"}, nil)
	assert.Error(t, err)
	assert.False(t, Kind("pager").IsValid())
}
