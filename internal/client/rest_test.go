package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kmorano/chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_restLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/login", r.URL.Path)

		var creds map[string]string
		assert.Nil(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "nate@example.com", creds["email"])

		json.NewEncoder(w).Encode(AuthSession{
			Token: "tok-1",
			User:  types.User{Id: "user-1", Username: "nate"},
		})
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL)
	session, err := c.Login(context.Background(), "nate@example.com", "hunter2")

	assert.Nil(t, err)
	assert.Equal(t, "user-1", session.User.Id)
	assert.Equal(t, "tok-1", c.token, "expected the token installed for later requests")
}

func Test_restMessagesAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "chan-1", q.Get("channel_id"))
		assert.Equal(t, "5", q.Get("after"))
		assert.Equal(t, "100", q.Get("limit"))

		json.NewEncoder(w).Encode([]types.Message{
			{Id: "msg-6", ChannelId: "chan-1", Seq: 6},
		})
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL)
	c.SetToken("tok-1")

	msgs, err := c.MessagesAfter(context.Background(), "chan-1", 5, 100)
	assert.Nil(t, err)
	if assert.Len(t, msgs, 1) {
		assert.Equal(t, 6, msgs[0].Seq)
	}
}

func Test_restErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"message": "forbidden"})
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL)
	_, err := c.Channels(context.Background())

	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}
