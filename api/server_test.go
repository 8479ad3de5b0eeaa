package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hw-allocation-broker/allocator"
	"hw-allocation-broker/notify"
	"hw-allocation-broker/rm"
	"hw-allocation-broker/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type brokerFixture struct {
	store    *store.Store
	registry *allocator.Registry
	srv      *httptest.Server
}

type hubStore struct{ *store.Store }

func (h hubStore) Subscribe(ctx context.Context, channel string) notify.Subscription {
	return h.Store.Subscribe(ctx, channel)
}

func newFixture(t *testing.T) *brokerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.Connect(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bridge := notify.NewBridge(st)
	registry := allocator.NewRegistry(st, bridge, allocator.DefaultTTL)
	managers := rm.NewRegistry(st)
	client := rm.NewClient(time.Second, time.Second)
	controller := allocator.NewController(registry, client)
	hub := notify.NewHub(hubStore{st})

	mux := http.NewServeMux()
	New(registry, managers, controller, hub).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &brokerFixture{store: st, registry: registry, srv: srv}
}

func (f *brokerFixture) seedManager(t *testing.T, name, endpoint string) {
	t.Helper()
	desc, err := json.Marshal(rm.Descriptor{Name: name, Endpoint: endpoint})
	require.NoError(t, err)
	require.NoError(t, f.store.HashSet(context.Background(), "resource_managers", name, desc))
}

func stubRM(t *testing.T, commitStatus int, commitBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fulfill/theoretically":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/fulfill/now":
			w.WriteHeader(commitStatus)
			_, _ = w.Write([]byte(commitBody))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func submit(t *testing.T, f *brokerFixture, demands string) string {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/allocations", "application/json", strings.NewReader(`{"demands":`+demands+`}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			AllocationID string `json:"allocation_id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Data.AllocationID)
	return body.Data.AllocationID
}

func getRecord(t *testing.T, f *brokerFixture, id string) (*allocator.AllocationRecord, int) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + "/allocations/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var body struct {
		Data allocator.AllocationRecord `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return &body.Data, resp.StatusCode
}

func TestServer_SubmitToSuccess(t *testing.T) {
	f := newFixture(t)
	rmSrv := stubRM(t, http.StatusOK, `{"info":[{"name":"vm-1","net_ifaces":[{"ip":"10.0.0.5"}]}]}`)
	f.seedManager(t, "rm-1", rmSrv.URL)

	id := submit(t, f, `{"cpu":4}`)

	var final *allocator.AllocationRecord
	require.Eventually(t, func() bool {
		rec, code := getRecord(t, f, id)
		if code != http.StatusOK || rec.Status == allocator.StatusReceived {
			return false
		}
		final = rec
		return true
	}, 3*time.Second, 20*time.Millisecond)

	require.Equal(t, allocator.StatusSuccess, final.Status)
	require.Equal(t, rmSrv.URL, final.ResourceManager)
	require.Len(t, final.HardwareDetails, 1)
	require.Equal(t, "10.0.0.5", final.HardwareDetails[0].IP)
	require.Equal(t, "vm-1", final.HardwareDetails[0].VMID)
	require.Greater(t, final.Expiration, time.Now().Unix())
}

func TestServer_SubmitAllUnreachable(t *testing.T) {
	f := newFixture(t)
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	f.seedManager(t, "rm-1", dead.URL)

	id := submit(t, f, `{"cpu":4}`)

	require.Eventually(t, func() bool {
		rec, code := getRecord(t, f, id)
		return code == http.StatusOK && rec.Status == allocator.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_SubmitCommitRejected(t *testing.T) {
	f := newFixture(t)
	rmSrv := stubRM(t, http.StatusInternalServerError, `{"error":"capacity exceeded"}`)
	f.seedManager(t, "rm-1", rmSrv.URL)

	id := submit(t, f, `{"cpu":4}`)

	var final *allocator.AllocationRecord
	require.Eventually(t, func() bool {
		rec, code := getRecord(t, f, id)
		if code != http.StatusOK || rec.Status != allocator.StatusFailed {
			return false
		}
		final = rec
		return true
	}, 3*time.Second, 20*time.Millisecond)

	require.Contains(t, string(final.Result), "capacity exceeded")
}

func TestServer_Submit_BadBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.srv.URL+"/allocations", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Get_NotFound(t *testing.T) {
	f := newFixture(t)
	_, code := getRecord(t, f, "missing")
	require.Equal(t, http.StatusNotFound, code)
}

func TestServer_ListManagers(t *testing.T) {
	f := newFixture(t)
	f.seedManager(t, "rm-1", "rm-1:9000")
	f.seedManager(t, "rm-2", "rm-2:9000")

	resp, err := http.Get(f.srv.URL + "/resource-managers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data map[string]rm.Descriptor `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data, 2)
	require.Equal(t, "rm-1:9000", body.Data["rm-1"].Endpoint)
}

func TestServer_Subscribe_ReceivesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, &allocator.AllocationRequest{AllocationID: "a1", Demands: json.RawMessage(`{}`)})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"data": map[string]string{"allocation_id": "a1"}}))
	// Give the server time to finish registering the subscription.
	time.Sleep(300 * time.Millisecond)

	status := allocator.StatusFailed
	_, err = f.registry.Update(ctx, "a1", allocator.RecordUpdate{Status: &status})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var rec allocator.AllocationRecord
	require.NoError(t, conn.ReadJSON(&rec))
	require.Equal(t, "a1", rec.AllocationID)
	require.Equal(t, allocator.StatusFailed, rec.Status)
}

func TestServer_Subscribe_Broadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"data": "all"}))
	time.Sleep(300 * time.Millisecond)

	_, err = f.registry.Create(ctx, &allocator.AllocationRequest{AllocationID: "a2", Demands: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var rec allocator.AllocationRecord
	require.NoError(t, conn.ReadJSON(&rec))
	require.Equal(t, "a2", rec.AllocationID)
	require.Equal(t, allocator.StatusReceived, rec.Status)
}
