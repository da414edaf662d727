package worker

import (
	"testing"

	"smm-fulfillment/internal/apperr"
	"smm-fulfillment/internal/queue"
)

func validEnvelope() queue.JobEnvelope {
	return queue.JobEnvelope{
		OrderID:    "o1",
		UserID:     "u1",
		ServiceID:  "svc-1",
		ProviderID: "p1",
		Quantity:   1000,
		TargetURL:  "https://x.com/p/1",
		JobType:    queue.JobProcessOrder,
	}
}

func TestValidateEnvelope_Accepts(t *testing.T) {
	if err := ValidateEnvelope(validEnvelope()); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestValidateEnvelope_Rejects(t *testing.T) {
	cases := map[string]func(*queue.JobEnvelope){
		"missing order id":    func(e *queue.JobEnvelope) { e.OrderID = "" },
		"missing user id":     func(e *queue.JobEnvelope) { e.UserID = "" },
		"missing service id":  func(e *queue.JobEnvelope) { e.ServiceID = "" },
		"missing provider id": func(e *queue.JobEnvelope) { e.ProviderID = "" },
		"zero quantity":       func(e *queue.JobEnvelope) { e.Quantity = 0 },
		"negative quantity":   func(e *queue.JobEnvelope) { e.Quantity = -5 },
		"missing url":         func(e *queue.JobEnvelope) { e.TargetURL = "" },
		"malformed url":       func(e *queue.JobEnvelope) { e.TargetURL = "not a url" },
		"ftp url":             func(e *queue.JobEnvelope) { e.TargetURL = "ftp://x.com/file" },
		"unknown job type":    func(e *queue.JobEnvelope) { e.JobType = "reticulate_splines" },
		"empty job type":      func(e *queue.JobEnvelope) { e.JobType = "" },
		"negative attempt":    func(e *queue.JobEnvelope) { e.Attempt = -1 },
	}
	for name, mutate := range cases {
		env := validEnvelope()
		mutate(&env)
		err := ValidateEnvelope(env)
		if err == nil {
			t.Errorf("%s: expected rejection", name)
			continue
		}
		if apperr.KindOf(err) != apperr.KindStructural {
			t.Errorf("%s: kind = %v, want structural", name, apperr.KindOf(err))
		}
	}
}
