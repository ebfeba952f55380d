package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thesisdesk/internal/chat"
	"thesisdesk/internal/realtime"
	"thesisdesk/internal/store"
)

func TestResolveCommand(t *testing.T) {
	dir := t.TempDir()
	chapter := filepath.Join(dir, "chapter.json")
	comments := filepath.Join(dir, "comments.json")
	require.NoError(t, os.WriteFile(chapter, []byte(`{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"We used a stratified random sample."}]}
	]}`), 0o644))
	require.NoError(t, os.WriteFile(comments, []byte(`[
		{"id":"c1","exact_match":"random sample","prefix":"We used a ","suffix":"."},
		{"id":"c2","exact_match":"convenience sample"}
	]`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"resolve", chapter, comments})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"c1", "22", "35", `"random`, `sample"`}, strings.Fields(lines[1]))
	assert.Contains(t, lines[2], "(orphaned)")
}

func TestResolveCommandRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	chapter := filepath.Join(dir, "chapter.json")
	require.NoError(t, os.WriteFile(chapter, []byte(`not json`), 0o644))

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"resolve", chapter, filepath.Join(dir, "missing.json")})
	assert.Error(t, rootCmd.Execute())
}

func TestRedisLinkFansOutChatWrites(t *testing.T) {
	s := miniredis.RunT(t)
	link := redisLink(realtime.NewRedisHub(redis.NewClient(&redis.Options{Addr: s.Addr()})))
	t.Cleanup(link.close)
	rows := store.NewMemoryRows()
	ctx := context.Background()

	connect := func(user string) *chat.Engine {
		engine := chat.NewEngine(link.wrap(rows), link.dial)
		t.Cleanup(func() { _ = engine.Close() })
		require.NoError(t, engine.Connect(ctx, user))
		require.NoError(t, waitConnected(ctx, engine, 2*time.Second))
		return engine
	}
	alice := connect("alice")
	bob := connect("bob")

	_, err := alice.SendMessage(ctx, "bob", "hello", chat.TypeText, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.Conversation("alice")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", bob.Conversation("alice")[0].Body)

	require.NoError(t, bob.MarkReadForPeer(ctx, "alice"))
	require.Eventually(t, func() bool {
		msgs := alice.Conversation("bob")
		return len(msgs) == 1 && msgs[0].Status == chat.StatusRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupabaseLinkLeavesRowsUnwrapped(t *testing.T) {
	rows := store.NewMemoryRows()
	assert.Same(t, rows, realtimeLink{}.wrap(rows))
}
