package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/execution"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scenario"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scheduler"
	"github.com/stretchr/testify/require"
)

// serviceFixture runs the router over a real scheduler with a scripted
// execution spawner.
type serviceFixture struct {
	srv   *httptest.Server
	sched *scheduler.Scheduler

	events chan<- execution.Event
	passed chan uuid.UUID
}

type scriptedExec struct {
	testID uuid.UUID
	events chan<- execution.Event
}

func (e *scriptedExec) Cancel() {
	e.events <- execution.Event{TestID: e.testID, Kind: execution.KindCancelAck}
	e.events <- execution.Event{TestID: e.testID, Kind: execution.KindTerminal, Cancelled: true}
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	var f = &serviceFixture{passed: make(chan uuid.UUID, 16)}
	var sched = scheduler.New(scheduler.Config{
		Spawn: func(testID uuid.UUID, _, _ string, events chan<- execution.Event) scheduler.Canceller {
			f.events = events
			f.passed <- testID
			return &scriptedExec{testID: testID, events: events}
		},
	}, execution.Ports{})
	t.Cleanup(sched.Stop)

	f.sched = sched
	f.srv = httptest.NewServer(NewRouter(func() *scheduler.Scheduler { return sched }))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *serviceFixture) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *serviceFixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var resp, err = http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *serviceFixture) delete(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *serviceFixture) initialize(t *testing.T) string {
	t.Helper()
	var resp, body = f.post(t, "/initialize", struct{}{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var id, _ = body["testId"].(string)
	require.NotEmpty(t, id)
	return id
}

func (f *serviceFixture) awaitSpawn(t *testing.T) uuid.UUID {
	t.Helper()
	select {
	case id := <-f.passed:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no execution was spawned")
		return uuid.Nil
	}
}

func TestInitializeAndStatusFlow(t *testing.T) {
	var f = newServiceFixture(t)
	var id = f.initialize(t)

	resp, body := f.get(t, "/status/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Setup", body["state"])

	resp, _ = f.get(t, "/status/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/status/not-a-uuid")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartLifecycle(t *testing.T) {
	var f = newServiceFixture(t)
	var id = f.initialize(t)

	resp, body := f.post(t, "/start", startRequest{TestID: id, Bucket: "file:///bucket", TestType: "integration"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, true, body["accepted"])
	require.Equal(t, "integration", body["testType"])

	var spawned = f.awaitSpawn(t)
	require.Equal(t, id, spawned.String())

	f.events <- execution.Event{TestID: spawned, Kind: execution.KindLoaded}
	f.events <- execution.Event{TestID: spawned, Kind: execution.KindInitialized}
	f.events <- execution.Event{
		TestID: spawned,
		Kind:   execution.KindTerminal,
		Result: &scenario.Result{Scenarios: 1, ScenariosPassed: 1, Passed: true},
	}

	require.Eventually(t, func() bool {
		var resp, body = f.get(t, "/status/"+id)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return body["state"] == "Completed"
	}, 5*time.Second, 10*time.Millisecond)

	_, body = f.get(t, "/status/"+id)
	require.Equal(t, true, body["success"])
	require.NotEmpty(t, body["endedAt"])
}

func TestStartValidationStatuses(t *testing.T) {
	var f = newServiceFixture(t)

	// Unknown id.
	resp, _ := f.post(t, "/start", startRequest{TestID: uuid.NewString(), Bucket: "file:///b"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Bad id.
	resp, _ = f.post(t, "/start", startRequest{TestID: "nope", Bucket: "file:///b"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing bucket.
	var id = f.initialize(t)
	resp, body := f.post(t, "/start", startRequest{TestID: id})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["message"], "bucket")
}

func TestQueueEndpoint(t *testing.T) {
	var f = newServiceFixture(t)
	var id = f.initialize(t)

	resp, body := f.get(t, "/queue")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counts = body["counts"].(map[string]interface{})
	require.EqualValues(t, 1, counts["Setup"])

	resp, body = f.get(t, "/queue?testId="+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Setup", body["record"].(map[string]interface{})["state"])

	resp, _ = f.get(t, "/queue?testId="+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEndpointIsIdempotent(t *testing.T) {
	var f = newServiceFixture(t)
	var id = f.initialize(t)

	resp, body := f.delete(t, "/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["cancelled"])

	require.Eventually(t, func() bool {
		var _, body = f.get(t, "/status/"+id)
		return body["state"] == "Cancelled"
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = f.delete(t, "/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["cancelled"])
	require.Contains(t, body["message"], "terminal")

	resp, _ = f.delete(t, "/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnavailableScheduler(t *testing.T) {
	var srv = httptest.NewServer(NewRouter(func() *scheduler.Scheduler { return nil }))
	defer srv.Close()

	var resp, err = http.Post(srv.URL+"/initialize", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/status/%s", srv.URL, uuid.NewString()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
