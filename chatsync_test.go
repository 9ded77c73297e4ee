package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conversations": []map[string]any{
				{"id": "c1", "title": "support", "status": "active"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("tok-123", WithBaseURL(srv.URL))
	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, ConversationActive, convs[0].Status)
}

func TestClientConversationMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "m1", "conversationId": "c1", "senderId": "u2", "type": "TEXT", "content": "hello"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	msgs, err := client.ConversationMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageText, msgs[0].Type)
}

func TestClientCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Title          string   `json:"title"`
			ParticipantIDs []string `json:"participantIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "billing", body.Title)

		_ = json.NewEncoder(w).Encode(Conversation{
			ID: "c9", Title: body.Title, ParticipantIDs: body.ParticipantIDs, Status: ConversationActive,
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	conv, err := client.CreateConversation(context.Background(), "billing", []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
}

func TestClientArchiveConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/conversations/c1/archive", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Conversation{ID: "c1", Status: ConversationArchived})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	conv, err := client.ArchiveConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, ConversationArchived, conv.Status)
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "forbidden", "message": "not a participant"},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.ListConversations(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "forbidden", apiErr.Code)
	assert.Equal(t, "not a participant", apiErr.Message)
}

func TestAPIErrorFallbackOnOpaqueBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.ListConversations(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Code)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://chat.example.com/v1/ws", WebSocketURL("https://chat.example.com/v1"))
	assert.Equal(t, "ws://localhost:8080/ws", WebSocketURL("http://localhost:8080"))
}
