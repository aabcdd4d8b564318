// credits-sim is a local stand-in for the remote credit ledger service. It
// implements the credit-operations wire contract plus a webhook endpoint that
// mimics the purchase provider's asynchronous grant, including a configurable
// processing lag so post-purchase convergence can be exercised realistically.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type pendingChange struct {
	From          string    `json:"from"`
	To            string    `json:"to"`
	EffectiveDate time.Time `json:"effective_date"`
	Reason        string    `json:"reason"`
}

type account struct {
	Credits            int
	SubscriptionStatus string
	SubscriptionType   string
	PeriodEnd          *time.Time
	PendingChange      *pendingChange
	NextReset          time.Time
}

type simulator struct {
	mu         sync.Mutex
	accounts   map[string]*account
	webhookLag time.Duration
}

func newSimulator(webhookLag time.Duration) *simulator {
	return &simulator{
		accounts:   make(map[string]*account),
		webhookLag: webhookLag,
	}
}

func (s *simulator) get(principal string) *account {
	if acct, ok := s.accounts[principal]; ok {
		return acct
	}
	acct := &account{
		SubscriptionStatus: "free",
		SubscriptionType:   "free",
	}
	s.accounts[principal] = acct
	return acct
}

type operationRequest struct {
	Principal string `json:"principal"`
	Action    string `json:"action"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
}

func (s *simulator) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Principal) == "" {
		http.Error(w, "principal required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.get(req.Principal)

	switch req.Action {
	case "get-credits":
		writeJSON(w, map[string]any{
			"credits":             acct.Credits,
			"subscription_status": acct.SubscriptionStatus,
			"subscription_type":   acct.SubscriptionType,
			"period_end":          acct.PeriodEnd,
			"pending_change":      acct.PendingChange,
		})

	case "spend-credits":
		if req.Amount <= 0 {
			writeJSON(w, map[string]any{
				"success":           false,
				"remaining_credits": acct.Credits,
				"error":             "amount must be positive",
			})
			return
		}
		if acct.Credits < req.Amount {
			writeJSON(w, map[string]any{
				"success":           false,
				"remaining_credits": acct.Credits,
				"error":             "insufficient credits",
			})
			return
		}
		acct.Credits -= req.Amount
		log.Printf("spend: principal=%s amount=%d reason=%q remaining=%d", req.Principal, req.Amount, req.Reason, acct.Credits)
		writeJSON(w, map[string]any{
			"success":           true,
			"remaining_credits": acct.Credits,
		})

	case "check-reset":
		performed := false
		if acct.SubscriptionStatus == "active" && !acct.NextReset.IsZero() && time.Now().After(acct.NextReset) {
			acct.Credits = grantFor(acct.SubscriptionType)
			acct.NextReset = nextResetFor(acct.SubscriptionType)
			performed = true
			log.Printf("reset: principal=%s credits=%d", req.Principal, acct.Credits)
		}
		resp := map[string]any{
			"reset_performed":   performed,
			"credits":           acct.Credits,
			"subscription_type": acct.SubscriptionType,
		}
		if !acct.NextReset.IsZero() {
			resp["next_reset"] = acct.NextReset
		}
		writeJSON(w, resp)

	default:
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
	}
}

type webhookRequest struct {
	Principal string `json:"principal"`
	ProductID string `json:"product_id"`
}

// handleWebhook mimics the purchase provider's backend notifying the ledger
// of a purchase. The grant lands after the configured lag, the way a real
// webhook trails the client's purchase acknowledgment.
func (s *simulator) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	subType := "free"
	id := strings.ToLower(req.ProductID)
	switch {
	case strings.Contains(id, "499") || strings.Contains(id, "week"):
		subType = "weekly"
	case strings.Contains(id, "1999") || strings.Contains(id, "month"):
		subType = "monthly"
	}

	lag := s.webhookLag
	principal := req.Principal
	time.AfterFunc(lag, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		acct := s.get(principal)
		acct.SubscriptionStatus = "active"
		acct.SubscriptionType = subType
		acct.Credits = grantFor(subType)
		end := periodEndFor(subType)
		acct.PeriodEnd = &end
		acct.NextReset = nextResetFor(subType)
		log.Printf("webhook applied: principal=%s type=%s credits=%d (lag %s)", principal, subType, acct.Credits, lag)
	})

	w.WriteHeader(http.StatusAccepted)
}

func grantFor(subType string) int {
	switch subType {
	case "weekly":
		return 25
	case "monthly":
		return 120
	default:
		return 0
	}
}

func periodEndFor(subType string) time.Time {
	if subType == "monthly" {
		return time.Now().AddDate(0, 1, 0)
	}
	return time.Now().AddDate(0, 0, 7)
}

func nextResetFor(subType string) time.Time {
	return periodEndFor(subType)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	webhookLag := flag.Duration("webhook-lag", 3*time.Second, "delay before a purchase webhook lands on the ledger")
	flag.Parse()

	sim := newSimulator(*webhookLag)

	mux := http.NewServeMux()
	mux.HandleFunc("/credit-operations", sim.handleOperations)
	mux.HandleFunc("/webhook/purchase", sim.handleWebhook)

	log.Printf("credits-sim listening on %s (webhook lag %s)", *addr, *webhookLag)
	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
