package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"melink/internal/catalog"
	"melink/internal/mpio"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_SendsTokenAndDecodes(t *testing.T) {
	engine := mpio.NewEngineID()
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/api/v1/router":
			json.NewEncoder(w).Encode(map[string]any{"engine": engine, "bus": "bus1", "started": true, "connections": 2})
		case "/api/v1/engines/" + engine.String() + "/compatible":
			json.NewEncoder(w).Encode(map[string]any{"compatible": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	c.SetToken("tok")

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, engine, status.Engine)
	assert.True(t, status.Started)
	assert.Equal(t, 2, status.Connections)

	ok, err := c.Compatible(engine.String(), "1.2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "version=1.2", gotQuery)
}

func TestHTTPClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": "multiple connections", "internal": true})
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Reachable(mpio.NewEngineID().String())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.True(t, apiErr.Internal)
	assert.Contains(t, apiErr.Error(), "internal")
}

func TestHTTPClient_Drops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("limit"))
		assert.Equal(t, "no_connection", r.URL.Query().Get("reason"))
		json.NewEncoder(w).Encode(map[string]any{
			"drops": []mpio.DropEvent{{At: time.Unix(10, 0).UTC(), Reason: mpio.DropNoConnection}},
		})
	}))
	defer srv.Close()

	drops, err := NewHTTPClient(srv.URL).Drops(7, "no_connection")
	require.NoError(t, err)
	require.Len(t, drops, 1)
	assert.Equal(t, mpio.DropNoConnection, drops[0].Reason)
}

func TestHTTPClient_DestinationWrites(t *testing.T) {
	id := uuid.New()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/destinations":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]any{"name": "payments", "create_in_progress": true}, body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"destination": catalog.Record{ID: id, Name: "payments", Bus: "bus1", CreateInProgress: true}})
		case r.URL.Path == "/api/v1/destinations/"+id.String()+"/create-in-progress":
			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]bool{"in_progress": false}, body)
			json.NewEncoder(w).Encode(map[string]any{"create_in_progress": false})
		case r.URL.Path == "/api/v1/destinations/"+id.String()+"/to-be-deleted":
			json.NewEncoder(w).Encode(map[string]any{"to_be_deleted": true})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/destinations/"+id.String():
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "unknown destination"})
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	rec, err := c.CreateDestination(&NewDestination{Name: "payments", CreateInProgress: true})
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "bus1", rec.Bus)

	require.NoError(t, c.SetCreateInProgress(id.String(), false))
	require.NoError(t, c.MarkToBeDeleted(id.String()))
	require.NoError(t, c.DeleteDestination(id.String()))

	err = c.DeleteDestination(uuid.NewString())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "unknown destination", apiErr.Message)

	assert.Equal(t, []string{
		"POST /api/v1/destinations",
		"POST /api/v1/destinations/" + id.String() + "/create-in-progress",
		"POST /api/v1/destinations/" + id.String() + "/to-be-deleted",
		"DELETE /api/v1/destinations/" + id.String(),
	}, calls[:4])
}

func TestEventsURL(t *testing.T) {
	u, err := EventsURL("https://engine-a:7480/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://engine-a:7480/api/v1/events?token=a+b", u)

	u, err = EventsURL("http://localhost:7480", "t")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:7480/api/v1/events?token=t", u)
}
