package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
)

var (
	patient = middleware.Principal{Role: middleware.RolePatient, ID: "p-1"}
	doctor  = middleware.Principal{Role: middleware.RoleDoctor, ID: "d-1"}
)

func assignedOnly(_ context.Context, p middleware.Principal, patientID string) error {
	if p.ID == "d-1" && patientID == "p-1" {
		return nil
	}
	return middleware.ErrForbidden
}

func missedEvent(t *testing.T) notify.Event {
	t.Helper()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := &dose.DoseEvent{
		Key:       dose.OccurrenceKey{PrescriptionID: "rx-1", Date: dose.DateOf(at), TimeOfDay: 8 * 60},
		PatientID: "p-1",
		State:     dose.StateMissed,
	}
	e, err := notify.DoseChanged(ev, "d-1", at)
	if err != nil {
		t.Fatalf("DoseChanged: %v", err)
	}
	return e
}

func TestHubRegisterSubscribesOwnTopic(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	pc := newClient("c-1", patient, 4)
	dc := newClient("c-2", doctor, 4)
	hub.Register(pc)
	hub.Register(dc)

	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount(notify.PatientTopic("p-1")) != 1 || hub.TopicCount(notify.DoctorTopic("d-1")) != 1 {
		t.Fatal("expected each client on its own topic")
	}

	hub.Unregister(pc)
	hub.Unregister(pc)
	if hub.ClientCount() != 1 || hub.TopicCount(notify.PatientTopic("p-1")) != 0 {
		t.Fatalf("unregister left state behind: clients=%d", hub.ClientCount())
	}
	if _, ok := <-pc.Send; ok {
		t.Error("expected Send to be closed")
	}
}

func TestHubDeliverDedupesAcrossTopics(t *testing.T) {
	hub := NewHub(assignedOnly, nil, nil)
	dc := newClient("c-1", doctor, 4)
	hub.Register(dc)
	if err := hub.Subscribe(context.Background(), dc, []string{notify.PatientTopic("p-1")}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := hub.Deliver(context.Background(), missedEvent(t)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(dc.Send) != 1 {
		t.Fatalf("expected exactly one frame for a client on both topics, got %d", len(dc.Send))
	}
}

func TestHubDoctorOnlyHearsMissedDoses(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	dc := newClient("c-1", doctor, 4)
	pc := newClient("c-2", patient, 4)
	hub.Register(dc)
	hub.Register(pc)

	taken := missedEvent(t)
	taken.Kind = notify.KindDoseTaken
	if err := hub.Deliver(context.Background(), taken); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(dc.Send) != 0 || len(pc.Send) != 1 {
		t.Fatalf("taken: doctor=%d patient=%d frames", len(dc.Send), len(pc.Send))
	}

	if err := hub.Deliver(context.Background(), missedEvent(t)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(dc.Send) != 1 || len(pc.Send) != 2 {
		t.Fatalf("missed: doctor=%d patient=%d frames", len(dc.Send), len(pc.Send))
	}
}

func TestHubSubscribeAuthorization(t *testing.T) {
	hub := NewHub(assignedOnly, nil, nil)
	pc := newClient("c-1", patient, 4)
	dc := newClient("c-2", doctor, 4)
	hub.Register(pc)
	hub.Register(dc)

	tests := []struct {
		name   string
		client *Client
		topic  string
		ok     bool
	}{
		{"patient other patient", pc, notify.PatientTopic("p-2"), false},
		{"patient doctor topic", pc, notify.DoctorTopic("d-1"), false},
		{"doctor assigned patient", dc, notify.PatientTopic("p-1"), true},
		{"doctor unassigned patient", dc, notify.PatientTopic("p-9"), false},
		{"doctor other doctor", dc, notify.DoctorTopic("d-2"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hub.ProcessMessage(context.Background(), tt.client, ClientMessage{Action: "subscribe", Topics: []string{tt.topic}})
			if tt.ok && err != nil {
				t.Fatalf("expected subscribe to succeed, got %v", err)
			}
			if !tt.ok && !errors.Is(err, middleware.ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}

	hub.Unsubscribe(pc, []string{notify.PatientTopic("p-1")})
	if hub.TopicCount(notify.PatientTopic("p-1")) != 2 {
		t.Errorf("own topic must survive unsubscribe, got %d subscribers", hub.TopicCount(notify.PatientTopic("p-1")))
	}
	if err := hub.ProcessMessage(context.Background(), pc, ClientMessage{Action: "shout"}); !errors.Is(err, dose.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown action, got %v", err)
	}
}

func TestHubSkipsFullBuffers(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	pc := newClient("c-1", patient, 1)
	hub.Register(pc)

	e := missedEvent(t)
	if err := hub.Deliver(context.Background(), e); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	if err := hub.Deliver(context.Background(), e); err == nil {
		t.Fatal("expected an error when a client buffer is full")
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	verifier := middleware.NewVerifier("secret", "")
	hub := NewHub(nil, nil, nil)
	srv := httptest.NewServer(NewHandler(hub, verifier, nil, nil))
	defer srv.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	resp, err := http.Get(srv.URL + "?token=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", resp.StatusCode)
	}

	token, err := verifier.Issue(patient, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(notify.PatientTopic("p-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent := missedEvent(t)
	if err := hub.Deliver(context.Background(), sent); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got notify.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != sent.ID || got.Kind != notify.KindDoseMissed {
		t.Errorf("unexpected frame %+v", got)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{notify.PatientTopic("p-2")}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(data), "forbidden") {
		t.Errorf("expected a forbidden reply, got %s", data)
	}
}

func TestPatientAuthorizer(t *testing.T) {
	rx := dose.NewMemoryPrescriptions()
	rx.AddPatient(dose.Patient{ID: "p-1", DoctorID: "d-1"})
	authorize := PatientAuthorizer(rx.Patient)
	ctx := context.Background()

	if err := authorize(ctx, doctor, "p-1"); err != nil {
		t.Errorf("assigned doctor rejected: %v", err)
	}
	if err := authorize(ctx, middleware.Principal{Role: middleware.RoleDoctor, ID: "d-2"}, "p-1"); !errors.Is(err, middleware.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := authorize(ctx, doctor, "p-404"); !errors.Is(err, dose.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
