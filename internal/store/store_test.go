package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessagesAppendAndRead(t *testing.T) {
	s := New(t.TempDir())
	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, s.AddMessage(Message{
			MsgID:      string(rune('a' + i)),
			Origin:     "aa",
			Kind:       "text",
			Text:       text,
			ReceivedAt: time.Now().UTC(),
		}))
	}

	msgs, err := s.RecentMessages(0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Text)

	tail, err := s.RecentMessages(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, "second", tail[0].Text)
	require.Equal(t, "third", tail[1].Text)
}

func TestContactsMergeLatest(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.UpsertContact(Contact{NodeID: "aa", Name: "old"}))
	require.NoError(t, s.UpsertContact(Contact{NodeID: "bb", Name: "other"}))
	require.NoError(t, s.UpsertContact(Contact{NodeID: "aa", Name: "new", Gateway: true}))

	contacts, err := s.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	require.Equal(t, "new", contacts[0].Name)
	require.True(t, contacts[0].Gateway)
}

func TestCompactKeepsMergedView(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpsertContact(Contact{NodeID: "aa", Name: "n"}))
	}
	require.NoError(t, s.Compact())

	contacts, err := s.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
}

func TestCorruptLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.AddMessage(Message{MsgID: "1", Kind: "text", Text: "ok"}))

	f, err := openAppend(s.messagesPath)
	require.NoError(t, err)
	_, err = f.WriteString("{garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.AddMessage(Message{MsgID: "2", Kind: "text", Text: "also ok"}))
	msgs, err := s.RecentMessages(0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}
