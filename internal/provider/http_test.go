package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func panelServer(t *testing.T, handler func(action string, form map[string]string) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		code, body := handler(form["action"], form)
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Submit(t *testing.T) {
	srv := panelServer(t, func(action string, form map[string]string) (int, string) {
		if action != "add" || form["key"] != "secret" {
			t.Errorf("unexpected request: action=%s key=%s", action, form["key"])
		}
		if form["service"] != "42" || form["quantity"] != "1000" {
			t.Errorf("unexpected payload: %v", form)
		}
		return http.StatusOK, `{"order": 9912}`
	})

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	id, err := c.Submit(context.Background(), SubmitRequest{Service: "42", Link: "https://x.com/p/1", Quantity: 1000})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "9912" {
		t.Fatalf("order id = %s, want 9912", id)
	}
}

func TestHTTPClient_SubmitRejection(t *testing.T) {
	srv := panelServer(t, func(string, map[string]string) (int, string) {
		return http.StatusOK, `{"error": "incorrect service id"}`
	})

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	_, err := c.Submit(context.Background(), SubmitRequest{Service: "0", Link: "https://x.com/p/1", Quantity: 1})
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rej.Message != "incorrect service id" {
		t.Fatalf("message = %q", rej.Message)
	}
}

func TestHTTPClient_ServerErrorIsNotRejection(t *testing.T) {
	srv := panelServer(t, func(string, map[string]string) (int, string) {
		return http.StatusBadGateway, `upstream down`
	})

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	_, err := c.Submit(context.Background(), SubmitRequest{Service: "42", Link: "https://x.com/p/1", Quantity: 1})
	if err == nil {
		t.Fatalf("expected error")
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		t.Fatalf("5xx must stay retryable, got rejection %v", rej)
	}
}

func TestHTTPClient_Status(t *testing.T) {
	srv := panelServer(t, func(action string, form map[string]string) (int, string) {
		if action != "status" || form["order"] != "9912" {
			t.Errorf("unexpected request: %v", form)
		}
		return http.StatusOK, `{"status": "In progress", "start_count": 120, "remains": 380}`
	})

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	info, err := c.Status(context.Background(), "9912")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Status != StatusInProgress {
		t.Fatalf("status = %s", info.Status)
	}
	if info.StartCount != 120 || info.Remains != 380 {
		t.Fatalf("counts = %d/%d", info.StartCount, info.Remains)
	}
}

func TestHTTPClient_CancelAlreadyCompleted(t *testing.T) {
	srv := panelServer(t, func(string, map[string]string) (int, string) {
		return http.StatusOK, `{"error": "Order already completed"}`
	})

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	err := c.Cancel(context.Background(), "9912")
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
}
