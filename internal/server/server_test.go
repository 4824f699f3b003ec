package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/config"
	"github.com/sirosfoundation/go-gateway/internal/pull"
	"github.com/sirosfoundation/go-gateway/internal/fragment"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/internal/storage/memory"
	"github.com/sirosfoundation/go-gateway/internal/submit"
	"github.com/sirosfoundation/go-gateway/pkg/exchange"
	"github.com/sirosfoundation/go-gateway/pkg/mep"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
	"github.com/sirosfoundation/go-gateway/pkg/reliability"
)

const testAdminKey = "test-admin-key"

const testDocument = `<?xml version="1.0" encoding="UTF-8"?>
<configuration party="blue_gw">
  <mpcs>
    <mpc name="defaultMpc"
         qualifiedName="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"
         enabled="true" default="true"
         retention_downloaded="0" retention_undownloaded="14400"/>
  </mpcs>
  <businessProcesses>
    <roles>
      <role name="defaultInitiatorRole" value="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/initiator"/>
      <role name="defaultResponderRole" value="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/responder"/>
    </roles>
    <parties>
      <partyIdTypes>
        <partyIdType name="partyTypeUrn" value="urn:oasis:names:tc:ebcore:partyid-type:unregistered"/>
      </partyIdTypes>
      <party name="blue_gw" endpoint="http://blue.example.com/msh">
        <identifier partyId="domibus-blue" partyIdType="partyTypeUrn"/>
      </party>
      <party name="red_gw" endpoint="http://red.example.com/msh">
        <identifier partyId="domibus-red" partyIdType="partyTypeUrn"/>
      </party>
    </parties>
    <services>
      <service name="testService" value="bdx:noprocess" type="tc1"/>
    </services>
    <actions>
      <action name="tc1Action" value="TC1Leg1"/>
    </actions>
    <agreements>
      <agreement name="agreement1" value="A1" type=""/>
    </agreements>
    <receptionAwareness name="receptionAwareness" retry="60;4;CONSTANT"/>
    <legConfigurations>
      <legConfiguration name="pushTestcase1tc1Action" service="testService" action="tc1Action"
                        defaultMpc="defaultMpc" security="eDeliveryPolicy"
                        receptionAwareness="receptionAwareness"/>
    </legConfigurations>
    <processes>
      <process name="tc1Process" mep="oneway" binding="push">
        <initiatorParties><initiatorParty name="blue_gw"/></initiatorParties>
        <responderParties><responderParty name="red_gw"/></responderParties>
        <legs><leg name="pushTestcase1tc1Action"/></legs>
      </process>
    </processes>
  </businessProcesses>
</configuration>`

type stubResolver struct{}

func (stubResolver) BuildContext(msg *storage.Message, role storage.MSHRole) (*exchange.Context, error) {
	return &exchange.Context{
		PModeKey: "blue_gw|red_gw|bdx:noprocess|TC1Leg1|OAE|pushTestcase1tc1Action",
		Leg: &pmode.LegConfiguration{
			Name: "pushTestcase1tc1Action",
			ReceptionAwareness: &pmode.ReceptionAwareness{
				Algorithm:    "CONSTANT",
				RetryTimeout: 60,
				RetryCount:   4,
			},
		},
		Mpc:     mep.DefaultMpc,
		Pattern: mep.Push,
	}, nil
}

type recordingDispatcher struct {
	enqueued []string
}

func (d *recordingDispatcher) EnqueueSend(ctx context.Context, messageID string) error {
	d.enqueued = append(d.enqueued, messageID)
	return nil
}

type testEnv struct {
	server     *Server
	store      *memory.Store
	dispatcher *recordingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.AdminKey = testAdminKey

	store := memory.NewStore()
	provider := pmode.NewProvider(pmode.ProviderConfig{})
	dispatcher := &recordingDispatcher{}

	pullCoordinator := pull.NewCoordinator(pull.Config{
		Locks:         store,
		Logs:          store,
		Legs:          provider,
		ReceiptWindow: 5 * time.Minute,
	})

	retry := reliability.NewService(reliability.Config{
		Logs:       store,
		Messages:   store,
		Contexts:   stubResolver{},
		Locks:      pullCoordinator,
		Dispatcher: dispatcher,
	})

	fragments := fragment.NewCoordinator(fragment.Config{
		Messages:   store,
		Logs:       store,
		Groups:     store,
		Dispatcher: dispatcher,
	})

	submitter := submit.NewService(submit.Config{
		Messages:   store,
		Logs:       store,
		Contexts:   stubResolver{},
		Fragments:  fragments,
		Dispatcher: dispatcher,
		Locks:      pullCoordinator,
		Threshold:  1024,
	})

	srv := New(cfg, store, provider, retry, pullCoordinator, submitter, nil)
	return &testEnv{server: srv, store: store, dispatcher: dispatcher}
}

func (e *testEnv) request(t *testing.T, method, path string, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedLog(t *testing.T, log *storage.DeliveryLog) {
	t.Helper()
	if err := e.store.CreateDeliveryLog(context.Background(), log); err != nil {
		t.Fatalf("seeding delivery log: %v", err)
	}
	if err := e.store.CreateMessage(context.Background(), &storage.Message{
		MessageID:   log.MessageID,
		FromPartyID: "domibus-blue",
		ToPartyID:   "domibus-red",
		Service:     "bdx:noprocess",
		Action:      "TC1Leg1",
	}); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}

	w = env.request(t, http.MethodGet, "/ready", "", false)
	if w.Code != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", w.Code)
	}
}

func TestAdminAuthentication(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/admin/pmode/version", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/pmode/version", nil)
	req.Header.Set("X-Admin-Key", "wrong-key")
	w2 := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", w2.Code)
	}
}

func TestUploadConfiguration(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPut, "/admin/pmode", testDocument, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Version  int64    `json:"version"`
		Warnings []string `json:"warnings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Version != 1 {
		t.Errorf("expected version 1, got %d", resp.Version)
	}

	// The uploaded document round-trips through the download endpoint.
	w = env.request(t, http.MethodGet, "/admin/pmode", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", w.Code)
	}
	if w.Body.String() != testDocument {
		t.Error("downloaded document does not match upload")
	}
}

func TestUploadConfiguration_Invalid(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPut, "/admin/pmode", `<configuration/>`, true)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}

	var resp struct {
		Issues []string `json:"issues"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Issues) == 0 {
		t.Error("expected validation issues in response")
	}
}

func TestDownloadConfiguration_NoneLoaded(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/admin/pmode", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSubmitMessage(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"messageId": "msg-new",
		"fromPartyId": "domibus-blue",
		"toPartyId": "domibus-red",
		"service": "bdx:noprocess",
		"action": "TC1Leg1",
		"payload": "aGVsbG8="
	}`
	w := env.request(t, http.MethodPost, "/admin/messages", body, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	log, err := env.store.GetDeliveryLog(context.Background(), "msg-new")
	if err != nil {
		t.Fatalf("loading delivery log: %v", err)
	}
	if log.Status != storage.StatusSendEnqueued {
		t.Errorf("expected SEND_ENQUEUED, got %s", log.Status)
	}
	if log.SendAttemptsMax != 5 {
		t.Errorf("expected 5 max attempts, got %d", log.SendAttemptsMax)
	}
	if len(env.dispatcher.enqueued) != 1 || env.dispatcher.enqueued[0] != "msg-new" {
		t.Errorf("expected msg-new dispatched, got %v", env.dispatcher.enqueued)
	}

	// Same message id again conflicts.
	w = env.request(t, http.MethodPost, "/admin/messages", body, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", w.Code)
	}
}

func TestSubmitMessage_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/admin/messages", `{"fromPartyId":"domibus-blue"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetDeliveryLog(t *testing.T) {
	env := newTestEnv(t)
	env.seedLog(t, &storage.DeliveryLog{
		MessageID:       "msg-1",
		Role:            storage.RoleSending,
		Status:          storage.StatusWaitingForRetry,
		SendAttempts:    2,
		SendAttemptsMax: 5,
		Received:        time.Now().Add(-10 * time.Minute),
	})

	w := env.request(t, http.MethodGet, "/admin/messages/msg-1", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		DeliveryLog struct {
			MessageID    string `json:"messageId"`
			Status       string `json:"status"`
			SendAttempts int    `json:"sendAttempts"`
		} `json:"deliveryLog"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.DeliveryLog.MessageID != "msg-1" {
		t.Errorf("expected message msg-1, got %s", resp.DeliveryLog.MessageID)
	}
	if resp.DeliveryLog.SendAttempts != 2 {
		t.Errorf("expected 2 send attempts, got %d", resp.DeliveryLog.SendAttempts)
	}

	w = env.request(t, http.MethodGet, "/admin/messages/unknown", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d", w.Code)
	}
}

func TestRestoreMessage(t *testing.T) {
	env := newTestEnv(t)
	failed := time.Now().Add(-1 * time.Hour)
	env.seedLog(t, &storage.DeliveryLog{
		MessageID:       "msg-failed",
		Role:            storage.RoleSending,
		Status:          storage.StatusSendFailure,
		SendAttempts:    5,
		SendAttemptsMax: 5,
		Received:        time.Now().Add(-2 * time.Hour),
		Failed:          &failed,
	})

	w := env.request(t, http.MethodPost, "/admin/messages/msg-failed/restore", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	log, err := env.store.GetDeliveryLog(context.Background(), "msg-failed")
	if err != nil {
		t.Fatalf("loading delivery log: %v", err)
	}
	if log.Status != storage.StatusWaitingForRetry {
		t.Errorf("expected WAITING_FOR_RETRY after restore, got %s", log.Status)
	}
	if len(env.dispatcher.enqueued) != 1 {
		t.Errorf("expected 1 dispatched message, got %d", len(env.dispatcher.enqueued))
	}
}

func TestRestoreMessage_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/admin/messages/missing/restore", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRestoreMessage_WrongState(t *testing.T) {
	env := newTestEnv(t)
	env.seedLog(t, &storage.DeliveryLog{
		MessageID: "msg-ack",
		Role:      storage.RoleSending,
		Status:    storage.StatusAcknowledged,
		Received:  time.Now(),
	})

	w := env.request(t, http.MethodPost, "/admin/messages/msg-ack/restore", "", true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestResendEnqueuedMessage(t *testing.T) {
	env := newTestEnv(t)
	env.seedLog(t, &storage.DeliveryLog{
		MessageID: "msg-enq",
		Role:      storage.RoleSending,
		Status:    storage.StatusSendEnqueued,
		Received:  time.Now(),
	})

	w := env.request(t, http.MethodPost, "/admin/messages/msg-enq/resend", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.dispatcher.enqueued) != 1 || env.dispatcher.enqueued[0] != "msg-enq" {
		t.Errorf("expected msg-enq dispatched, got %v", env.dispatcher.enqueued)
	}
}

func TestDeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	env.seedLog(t, &storage.DeliveryLog{
		MessageID: "msg-del",
		Role:      storage.RoleSending,
		Status:    storage.StatusWaitingForRetry,
		Received:  time.Now(),
	})

	w := env.request(t, http.MethodDelete, "/admin/messages/msg-del", "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	log, err := env.store.GetDeliveryLog(context.Background(), "msg-del")
	if err != nil {
		t.Fatalf("loading delivery log: %v", err)
	}
	if log.Status != storage.StatusDeleted {
		t.Errorf("expected DELETED, got %s", log.Status)
	}

	// Deleting again conflicts.
	w = env.request(t, http.MethodDelete, "/admin/messages/msg-del", "", true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second delete, got %d", w.Code)
	}
}

func TestBulkRestore(t *testing.T) {
	env := newTestEnv(t)
	inside := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	env.seedLog(t, &storage.DeliveryLog{
		MessageID: "msg-in",
		Role:      storage.RoleSending,
		Status:    storage.StatusSendFailure,
		Received:  inside.Add(-1 * time.Hour),
		Failed:    &inside,
	})
	env.seedLog(t, &storage.DeliveryLog{
		MessageID: "msg-out",
		Role:      storage.RoleSending,
		Status:    storage.StatusSendFailure,
		Received:  outside.Add(-1 * time.Hour),
		Failed:    &outside,
	})

	body := `{"start":"2024-03-01T00:00:00Z","end":"2024-03-02T00:00:00Z"}`
	w := env.request(t, http.MethodPost, "/admin/messages/restore", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Restored []string `json:"restored"`
		Total    int      `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Total != 1 || len(resp.Restored) != 1 || resp.Restored[0] != "msg-in" {
		t.Errorf("expected only msg-in restored, got %v", resp.Restored)
	}
}

func TestBulkRestore_InvalidPeriod(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing start", `{"end":"2024-03-02T00:00:00Z"}`},
		{"end before start", `{"start":"2024-03-02T00:00:00Z","end":"2024-03-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.request(t, http.MethodPost, "/admin/messages/restore", tt.body, true)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestListPullLocks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.AcquirePullLock(context.Background(), &storage.PullLock{
		MessageID: "msg-pull",
		Mpc:       mep.DefaultMpc,
		PartyID:   "domibus-red",
		State:     storage.PullWaitingForPull,
		Created:   time.Now(),
		Expiry:    time.Now().Add(5 * time.Minute),
	}); err != nil {
		t.Fatalf("seeding pull lock: %v", err)
	}

	w := env.request(t, http.MethodGet, "/admin/pull-locks", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Total int `json:"total"`
		Locks []struct {
			MessageID string `json:"messageId"`
		} `json:"locks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Total != 1 || resp.Locks[0].MessageID != "msg-pull" {
		t.Errorf("expected one lock for msg-pull, got %+v", resp)
	}

	w = env.request(t, http.MethodGet, "/admin/pull-locks?state=STALED", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("staled listing: expected 200, got %d", w.Code)
	}
}
