package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

func TestPushDispatcherPrefersWebsocket(t *testing.T) {
	reg := NewWSRegistry(quietLogger())
	server, client := wsPair(t)
	reg.Add("d1", server)

	fcmCalled := false
	fcmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fcmCalled = true
	}))
	defer fcmSrv.Close()

	p := NewPushDispatcher(reg, NewFCMDispatcher(fcmSrv.URL, ""))
	offer := &models.DriverOffer{ID: "r1:d1", RequestID: "r1", DriverID: "d1"}
	if err := p.OfferCreated(context.Background(), offer); err != nil {
		t.Fatalf("push: %v", err)
	}

	var env wsEnvelope
	if err := client.ReadJSON(&env); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if fcmCalled {
		t.Fatalf("fallback used while a live session existed")
	}
}

func TestPushDispatcherFallsBackToFCM(t *testing.T) {
	reg := NewWSRegistry(quietLogger())

	got := make(chan map[string]any, 1)
	fcmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer fcmSrv.Close()

	p := NewPushDispatcher(reg, NewFCMDispatcher(fcmSrv.URL, "key"))
	if err := p.OfferRevoked(context.Background(), "offline-driver", "r1", "expired"); err != nil {
		t.Fatalf("fallback push: %v", err)
	}

	body := <-got
	msg, _ := body["message"].(map[string]any)
	if msg == nil || msg["token"] != "offline-driver" {
		t.Fatalf("unexpected fcm payload: %+v", body)
	}
}

func TestPushDispatcherNoSessionNoFallback(t *testing.T) {
	p := NewPushDispatcher(NewWSRegistry(quietLogger()), nil)
	offer := &models.DriverOffer{DriverID: "ghost"}
	if err := p.OfferCreated(context.Background(), offer); err == nil {
		t.Fatalf("expected error with no delivery path")
	}
}
