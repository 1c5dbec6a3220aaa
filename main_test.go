package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"
	"vestnik/internal/api"
	"vestnik/internal/models"
	"vestnik/internal/presence"
	"vestnik/internal/realtime"
	"vestnik/internal/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for range retries {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}

func issueToken(t *testing.T, adminAddr, userID string) string {
	t.Helper()
	body, err := json.Marshal(api.IssueTokenRequest{UserID: userID})
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/tokens", adminAddr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued api.IssueTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	require.True(t, issued.Success)
	require.Equal(t, userID, issued.UserID)
	return issued.Token
}

func newClient(t *testing.T, relayAddr, userID, token string) *realtime.Client {
	t.Helper()
	p := presence.DefaultConfig()
	p.UserID = userID
	p.IdleDetection = false
	p.BroadcastInterval = 0

	c, err := realtime.New(realtime.Config{
		Conn: ws.Config{
			URL:                  fmt.Sprintf("ws://%s/ws", relayAddr),
			Token:                token,
			AutoReconnect:        false,
			ReconnectInterval:    50 * time.Millisecond,
			ReconnectMaxDelay:    time.Second,
			MaxReconnectAttempts: 3,
			HeartbeatInterval:    time.Second,
			MaxQueueRetries:      3,
			MaxQueueSize:         100,
		},
		Presence:       p,
		AutoConnect:    true,
		EnablePresence: true,
	}, realtime.WithDialer(ws.GorillaDialer{WriteTimeout: time.Second}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func TestIntegration(t *testing.T) {
	adminAddr := freeAddr(t)
	relayAddr := freeAddr(t)

	t.Setenv("RELAY_DB", filepath.Join(t.TempDir(), "relay.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("RELAY_ADDR", relayAddr)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"relay"})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Relay error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Relay did not shut down")
		}
	})

	waitForServer(t, fmt.Sprintf("http://%s/healthz", relayAddr), 50)

	require.NoError(t, run(ctx, []string{"issue-token", "carol"}))

	aliceToken := issueToken(t, adminAddr, "alice")
	bobToken := issueToken(t, adminAddr, "bob")

	alice := newClient(t, relayAddr, "alice", aliceToken)
	bob := newClient(t, relayAddr, "bob", bobToken)

	received := make(chan string, 10)
	bob.OnMessage(func(data json.RawMessage) {
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			received <- msg.Text
		}
	})
	typing := make(chan models.TypingData, 10)
	bob.OnTyping(func(d models.TypingData) { typing <- d })

	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())

	require.Eventually(t, func() bool {
		return alice.Manager().IsConnected() && bob.Manager().IsConnected()
	}, 3*time.Second, 20*time.Millisecond)

	// Presence travels both ways: bob learns about alice from the snapshot
	// and alice learns about bob from the online announcement.
	require.Eventually(t, func() bool {
		return bob.Tracker().IsUserOnline("alice") && alice.Tracker().IsUserOnline("bob")
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.SendMessage(map[string]string{"text": "hello bob"}))
	select {
	case text := <-received:
		assert.Equal(t, "hello bob", text)
	case <-time.After(3 * time.Second):
		t.Fatal("bob did not receive the message")
	}

	require.NoError(t, alice.SendTyping("c1", true))
	select {
	case d := <-typing:
		assert.Equal(t, "c1", d.ConversationID)
		assert.Equal(t, "alice", d.UserID)
		assert.True(t, d.IsTyping)
	case <-time.After(3 * time.Second):
		t.Fatal("bob did not receive the typing indicator")
	}

	require.NoError(t, alice.Tracker().SetMyStatus(models.UserBusy))
	require.Eventually(t, func() bool {
		return bob.Tracker().GetUserStatus("alice") == models.UserBusy
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/admin/peers", adminAddr))
	require.NoError(t, err)
	var peers api.PeersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	_ = resp.Body.Close()
	assert.Equal(t, 2, peers.Online)

	require.NoError(t, alice.Shutdown())
	require.Eventually(t, func() bool {
		return !bob.Tracker().IsUserOnline("alice")
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, models.UserOffline, bob.Tracker().GetUserStatus("alice"))
	_, seen := bob.Tracker().GetLastSeen("alice")
	assert.True(t, seen)
}
