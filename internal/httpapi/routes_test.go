package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/auth"
	"zkdocdb/server/internal/chain"
	"zkdocdb/server/internal/logging"
	"zkdocdb/server/internal/registry"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/service"
	"zkdocdb/server/internal/storage"
)

type writeResponse struct {
	Revision struct {
		DocID    string `json:"docId"`
		ObjectID string `json:"objectId"`
	} `json:"revision"`
	MerkleIndex     uint64 `json:"merkleIndex"`
	Root            string `json:"root"`
	OperationNumber int64  `json:"operationNumber"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := newTestStore(t)
	logger := logging.Discard()
	svc := service.New(registry.New(store),
		rollup.NewCoordinator(logging.Module(logger, logging.ModuleRollup)),
		chain.NewMemory(1),
		logging.Module(logger, logging.ModuleService))
	server := NewServer(svc, logging.Module(logger, logging.ModuleHTTP))
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return httptest.NewServer(auth.DevActorMiddleware("alice")(mux))
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Init(t.Context()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// call sends body as JSON acting as actor, checks the status and decodes the
// response into out when given.
func call(t *testing.T, method, url, actor string, body any, want int, out any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(auth.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "%s %s", method, url)
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		require.Equal(t, want, resp.StatusCode, "%s %s: %s", method, url, e.Error)
	}
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decode %s %s", method, url)
	}
}

func setupLedger(t *testing.T, base string) string {
	t.Helper()
	call(t, http.MethodPost, base+"/v1/databases", "", map[string]any{"name": "ledger", "merkleHeight": 8}, http.StatusCreated, nil)
	call(t, http.MethodPost, base+"/v1/databases/ledger/collections", "", map[string]any{
		"name": "notes",
		"schema": map[string]any{"fields": []map[string]any{
			{"name": "title", "kind": "String"},
			{"name": "pages", "kind": "Int64"},
		}},
	}, http.StatusCreated, nil)
	return base + "/v1/databases/ledger/collections/notes/documents"
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	var payload struct {
		Status string `json:"status"`
	}
	call(t, http.MethodGet, server.URL+"/healthz", "", nil, http.StatusOK, &payload)
	require.Equal(t, "ok", payload.Status)
}

func TestDocumentLifecycle(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()
	docs := setupLedger(t, server.URL)

	var created writeResponse
	call(t, http.MethodPost, docs, "", map[string]any{"fields": map[string]any{"title": "draft", "pages": 3}}, http.StatusCreated, &created)
	require.NotEmpty(t, created.Revision.DocID)
	require.NotEmpty(t, created.Root)
	require.Equal(t, int64(1), created.OperationNumber)
	docURL := docs + "/" + created.Revision.DocID

	var updated writeResponse
	call(t, http.MethodPatch, docURL, "", map[string]any{"fields": map[string]any{"pages": 4}}, http.StatusOK, &updated)
	require.Equal(t, created.MerkleIndex, updated.MerkleIndex)
	require.NotEqual(t, created.Root, updated.Root)

	var history struct {
		Revisions []struct {
			Active bool `json:"active"`
		} `json:"revisions"`
	}
	call(t, http.MethodGet, docURL+"/history", "", nil, http.StatusOK, &history)
	require.Len(t, history.Revisions, 2)

	var proof struct {
		Root        string `json:"root"`
		MerkleIndex uint64 `json:"merkleIndex"`
	}
	call(t, http.MethodGet, docURL+"/witness", "", nil, http.StatusOK, &proof)
	require.Equal(t, updated.Root, proof.Root)

	var root struct {
		Root string `json:"root"`
	}
	call(t, http.MethodGet, server.URL+"/v1/databases/ledger/merkle/root", "", nil, http.StatusOK, &root)
	require.Equal(t, updated.Root, root.Root)

	var page struct {
		Total int `json:"total"`
	}
	call(t, http.MethodPost, docs+"/query", "", map[string]any{"filter": map[string]any{"pages": 4}}, http.StatusOK, &page)
	require.Equal(t, 1, page.Total)

	call(t, http.MethodDelete, docURL, "", nil, http.StatusOK, nil)
	call(t, http.MethodGet, docURL, "", nil, http.StatusNotFound, nil)
}

func TestErrorStatuses(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()
	docs := setupLedger(t, server.URL)

	var created writeResponse
	call(t, http.MethodPost, docs, "", map[string]any{"fields": map[string]any{"title": "private", "pages": 1}}, http.StatusCreated, &created)

	call(t, http.MethodGet, docs+"/"+created.Revision.DocID, "mallory", nil, http.StatusNotFound, nil)
	call(t, http.MethodGet, docs+"/"+created.Revision.DocID+"/history", "mallory", nil, http.StatusNotFound, nil)
	call(t, http.MethodGet, docs+"/"+created.Revision.DocID+"/witness", "mallory", nil, http.StatusNotFound, nil)
	call(t, http.MethodPatch, docs+"/"+created.Revision.DocID, "mallory", map[string]any{"fields": map[string]any{"pages": 2}}, http.StatusForbidden, nil)
	call(t, http.MethodPost, docs, "", map[string]any{"fields": map[string]any{"title": 7}}, http.StatusBadRequest, nil)
	call(t, http.MethodPost, docs, "", map[string]any{"unknown": true}, http.StatusBadRequest, nil)
	call(t, http.MethodPost, server.URL+"/v1/databases", "", map[string]any{"name": "ledger"}, http.StatusConflict, nil)
	call(t, http.MethodGet, server.URL+"/v1/databases/missing/rollup", "", nil, http.StatusNotFound, nil)
	call(t, http.MethodGet, server.URL+"/v1/databases/ledger/merkle/witness/x", "", nil, http.StatusBadRequest, nil)
	call(t, http.MethodGet, server.URL+"/v1/databases/ledger/merkle/root?at=yesterday", "", nil, http.StatusBadRequest, nil)
	call(t, http.MethodGet, server.URL+"/v1/databases/ledger/transactions/0", "", nil, http.StatusBadRequest, nil)
}

func TestRollupRoutes(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()
	docs := setupLedger(t, server.URL)
	db := server.URL + "/v1/databases/ledger"

	var state struct {
		State string `json:"state"`
	}
	call(t, http.MethodGet, db+"/rollup", "", nil, http.StatusOK, &state)
	require.Equal(t, string(rollup.StateUnavailable), state.State)

	var created writeResponse
	call(t, http.MethodPost, docs, "", map[string]any{"fields": map[string]any{"title": "a", "pages": 1}}, http.StatusCreated, &created)

	var none struct {
		Created bool `json:"created"`
	}
	call(t, http.MethodPost, db+"/rollup", "", nil, http.StatusOK, &none)
	require.False(t, none.Created, "rollup created without a proof")

	var tasks struct {
		Tasks []struct {
			Data struct {
				TransitionID int64 `json:"transitionId"`
			} `json:"data"`
		} `json:"tasks"`
	}
	call(t, http.MethodGet, db+"/tasks/proof?status=Queued", "", nil, http.StatusOK, &tasks)
	require.Len(t, tasks.Tasks, 1)
	transition := db + "/transitions/" + strconv.FormatInt(tasks.Tasks[0].Data.TransitionID, 10)
	call(t, http.MethodGet, transition, "", nil, http.StatusOK, nil)
	call(t, http.MethodPost, transition+"/proof", "bob", map[string]any{"proof": "0x01"}, http.StatusForbidden, nil)
	call(t, http.MethodPost, transition+"/proof", "", map[string]any{"proof": "0x0102"}, http.StatusCreated, nil)

	var made struct {
		Created     bool `json:"created"`
		Transaction struct {
			ID              int64  `json:"id"`
			UnsignedPayload string `json:"unsignedPayload"`
		} `json:"transaction"`
	}
	call(t, http.MethodPost, db+"/rollup", "", nil, http.StatusCreated, &made)
	require.True(t, made.Created)
	require.NotZero(t, made.Transaction.ID)

	txURL := db + "/transactions/" + strconv.FormatInt(made.Transaction.ID, 10)
	call(t, http.MethodPost, txURL+"/signature", "", map[string]any{"signedPayload": "0x00"}, http.StatusBadRequest, nil)
	call(t, http.MethodPost, txURL+"/signature", "", map[string]any{"signedPayload": made.Transaction.UnsignedPayload + "ff"}, http.StatusAccepted, nil)

	var tx struct {
		Status string `json:"status"`
	}
	call(t, http.MethodGet, txURL, "", nil, http.StatusOK, &tx)
	require.Equal(t, string(rollup.TxSigned), tx.Status)
	call(t, http.MethodGet, db+"/rollup", "", nil, http.StatusOK, &state)
	require.Equal(t, string(rollup.StateUpdating), state.State)
}
