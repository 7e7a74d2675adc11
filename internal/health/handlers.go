package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Checker reports the completion time of the last successful broker poll.
type Checker interface {
	LastSuccess() time.Time
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker Checker
	// MaxAge is how old the last successful poll may be while still ready.
	MaxAge time.Duration
	Now    func() time.Time
}

type readyStatus struct {
	Broker      string `json:"broker"`
	LastSuccess string `json:"last_success,omitempty"`
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports whether the broker has been polled successfully recently.
func (h Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	if h.Checker == nil {
		http.Error(w, "poller unavailable", http.StatusServiceUnavailable)
		return
	}
	code := http.StatusOK
	status := readyStatus{Broker: "ok"}

	last := h.Checker.LastSuccess()
	switch {
	case last.IsZero():
		code = http.StatusServiceUnavailable
		status.Broker = "no successful poll yet"
	default:
		status.LastSuccess = last.UTC().Format(time.RFC3339)
		if age := h.now().Sub(last); age > h.maxAge() {
			code = http.StatusServiceUnavailable
			status.Broker = "stale: last successful poll " + age.Truncate(time.Second).String() + " ago"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) maxAge() time.Duration {
	if h.MaxAge <= 0 {
		return time.Minute
	}
	return h.MaxAge
}

func (h Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}
