package baton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collaborators is a fake downstream estate: one httptest server whose
// handlers record every call they receive.
type collaborators struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server

	mu    sync.Mutex
	calls []sagaCall
}

type sagaCall struct {
	path   string
	header http.Header
	body   map[string]any
}

func newCollaborators(t *testing.T) *collaborators {
	t.Helper()
	c := &collaborators{t: t, mux: http.NewServeMux()}
	c.srv = httptest.NewServer(c.mux)
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collaborators) url() string { return c.srv.URL }

func (c *collaborators) record(r *http.Request) sagaCall {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	call := sagaCall{path: r.URL.Path, header: r.Header.Clone(), body: body}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return call
}

// respond registers a static JSON endpoint.
func (c *collaborators) respond(path string, status int, body string) {
	c.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

func (c *collaborators) callsTo(path string) []sagaCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sagaCall
	for _, call := range c.calls {
		if call.path == path {
			out = append(out, call)
		}
	}
	return out
}

func (c *collaborators) count(path string) int {
	return len(c.callsTo(path))
}

// sequence returns the order in which the given paths were hit.
func (c *collaborators) sequence(paths ...string) []string {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if want[call.path] {
			out = append(out, call.path)
		}
	}
	return out
}

func startSupervisor(t *testing.T, defJSON string, opts ...Option) (*Supervisor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	reg := NewRegistry(nil)
	def, err := ParseDefinition([]byte(defJSON))
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), def))
	return NewSupervisor(reg, store, opts...), store
}

func awaitExecution(t *testing.T, sup *Supervisor, id string) *Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	exec, err := sup.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func awaitCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func executionTransitions(exec *Execution) []string {
	var to []string
	for _, ev := range exec.Events {
		if ev.Kind == EventExecution {
			to = append(to, ev.To)
		}
	}
	return to
}

func TestSupervisorRunsSequentialSaga(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/wallet/debit", http.StatusOK, `{"txn_id": "txn-123", "balance": 57.5}`)
	c.respond("/courier/book", http.StatusOK, `{"booking_id": "bk-9"}`)
	c.respond("/notify/send", http.StatusOK, `{"delivered": true}`)

	def := fmt.Sprintf(`{
		"name": "wallet-checkout",
		"steps": [
			{"name": "debit_wallet", "action": {"url": "%[1]s/wallet/debit", "payload": {"order_id": "$order_id", "amount": "$amount"}}},
			{"name": "book_courier", "action": {"url": "%[1]s/courier/book", "payload": {"txn": "$debit_wallet_response.txn_id"}}},
			{"name": "notify_customer", "action": {"url": "%[1]s/notify/send"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{
		SagaName:      "wallet-checkout",
		Input:         map[string]any{"order_id": "ord-1", "amount": 42.5},
		CorrelationID: "corr-1",
		InitiatedBy:   "checkout-api",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status, "Start returns the pending snapshot")

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.TimeoutAt)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.Error)
	assert.Empty(t, final.FailedStep)
	assert.Equal(t, []string{"debit_wallet", "book_courier", "notify_customer"}, final.CompletedOrder)

	for _, name := range final.CompletedOrder {
		st := final.Step(name)
		assert.Equal(t, StepCompleted, st.Status, name)
		assert.Equal(t, 1, st.Attempts, name)
		assert.NotEmpty(t, st.Response, name)
		assert.NotNil(t, st.CompletedAt, name)
	}

	// Calls go out strictly in declared order.
	assert.Equal(t, []string{"/wallet/debit", "/courier/book", "/notify/send"},
		c.sequence("/wallet/debit", "/courier/book", "/notify/send"))

	// Each response lands in the context under <step>_response.
	v, ok := final.Context.Resolve("debit_wallet_response.txn_id")
	require.True(t, ok)
	assert.Equal(t, "txn-123", v)

	// ...and flows into later payload templates.
	books := c.callsTo("/courier/book")
	require.Len(t, books, 1)
	assert.Equal(t, "txn-123", books[0].body["txn"])

	debits := c.callsTo("/wallet/debit")
	require.Len(t, debits, 1)
	assert.Equal(t, "corr-1", debits[0].header.Get("X-Correlation-Id"))
	assert.Equal(t, "checkout-api", debits[0].header.Get("X-Initiated-By"))
	assert.Equal(t, "application/json", debits[0].header.Get("Content-Type"))
	assert.Equal(t, 42.5, debits[0].body["amount"], "whole references keep the value's type")

	require.NotEmpty(t, final.Events)
	assert.Equal(t, EventExecution, final.Events[0].Kind)
	assert.Equal(t, "running", final.Events[0].To)
	assert.Equal(t, "completed", final.Events[len(final.Events)-1].To)
	for i, ev := range final.Events {
		assert.Equal(t, i+1, ev.Seq, "event sequence numbers are dense")
		assert.Equal(t, final.ID, ev.ExecutionID)
	}

	// The store is the source of truth: reads with no writes in between
	// come back identical.
	again, err := sup.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, again.Status)
	assert.Equal(t, final.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, final.Context.Snapshot(), again.Context.Snapshot())
	assert.Len(t, again.Events, len(final.Events))
}

func TestSupervisorParallelLayers(t *testing.T) {
	c := newCollaborators(t)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	slow := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			c.record(r)
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(80 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, body)
		}
	}
	c.mux.HandleFunc("/stock/reserve", slow(`{"reservation_id": "rsv-1"}`))
	c.mux.HandleFunc("/payments/auth", slow(`{"auth_id": "auth-1"}`))
	c.respond("/shipping/dispatch", http.StatusOK, `{"dispatched": true}`)

	def := fmt.Sprintf(`{
		"name": "parallel-fulfilment",
		"parallel_execution": true,
		"steps": [
			{"name": "reserve_stock", "action": {"url": "%[1]s/stock/reserve"}},
			{"name": "authorize_card", "action": {"url": "%[1]s/payments/auth"}},
			{"name": "dispatch", "action": {"url": "%[1]s/shipping/dispatch"}, "depends_on": ["reserve_stock", "authorize_card"]}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "parallel-fulfilment"})
	require.NoError(t, err)
	assert.NotEmpty(t, exec.CorrelationID, "a correlation id is generated when the caller supplies none")

	final := awaitExecution(t, sup, exec.ID)
	require.Equal(t, StatusCompleted, final.Status)

	mu.Lock()
	overlap := maxInFlight
	mu.Unlock()
	assert.Equal(t, 2, overlap, "layer mates must be in flight together")

	require.Len(t, final.CompletedOrder, 3)
	assert.Equal(t, "dispatch", final.CompletedOrder[2], "the dependent layer runs last")
	assert.ElementsMatch(t, []string{"reserve_stock", "authorize_card"}, final.CompletedOrder[:2])
	assert.Equal(t, 1, c.count("/shipping/dispatch"))
}

func TestSupervisorCompensatesOnFailure(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/stock/reserve", http.StatusOK, `{"reservation_id": "rsv-7"}`)
	c.respond("/payments/charge", http.StatusOK, `{"charge_id": "ch-7"}`)
	c.respond("/shipping/book", http.StatusServiceUnavailable, `{"error": "no capacity"}`)
	c.respond("/stock/release", http.StatusOK, `{"released": true}`)
	c.respond("/payments/refund", http.StatusOK, `{"refunded": true}`)
	c.respond("/shipping/cancel", http.StatusOK, `{"canceled": true}`)

	def := fmt.Sprintf(`{
		"name": "order-fulfilment",
		"steps": [
			{"name": "reserve_stock",
			 "action": {"url": "%[1]s/stock/reserve"},
			 "compensation": {"url": "%[1]s/stock/release", "payload": {"reservation": "$reserve_stock_response.reservation_id"}}},
			{"name": "charge_card",
			 "action": {"url": "%[1]s/payments/charge"},
			 "compensation": {"url": "%[1]s/payments/refund", "payload": {"charge": "$charge_card_response.charge_id"}}},
			{"name": "book_shipping",
			 "action": {"url": "%[1]s/shipping/book", "retries": 1, "base_delay": "1ms"},
			 "compensation": {"url": "%[1]s/shipping/cancel"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "order-fulfilment"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status)
	assert.Equal(t, "book_shipping", final.FailedStep)
	assert.Contains(t, final.Error, `step "book_shipping" of saga "order-fulfilment" failed after 2 attempt(s)`)
	assert.Contains(t, final.Error, "status 503")
	require.NotNil(t, final.CompensationStartedAt)
	require.NotNil(t, final.CompensationEndedAt)
	require.NotNil(t, final.CompletedAt)

	shipping := final.Step("book_shipping")
	assert.Equal(t, StepFailed, shipping.Status)
	assert.Equal(t, 2, shipping.Attempts)
	assert.Contains(t, shipping.Error, "status 503")
	assert.Equal(t, 2, c.count("/shipping/book"))

	// Completed steps roll back in reverse completion order; the failed
	// step has nothing to undo.
	assert.Equal(t, StepCompensated, final.Step("reserve_stock").Status)
	assert.Equal(t, StepCompensated, final.Step("charge_card").Status)
	require.NotNil(t, final.Step("charge_card").CompensatedAt)
	assert.Equal(t, 0, c.count("/shipping/cancel"))
	assert.Equal(t, []string{"/payments/refund", "/stock/release"},
		c.sequence("/payments/refund", "/stock/release"))

	// Undo requests are enriched with the original response and run
	// identifiers on top of the configured payload.
	refunds := c.callsTo("/payments/refund")
	require.Len(t, refunds, 1)
	body := refunds[0].body
	assert.Equal(t, "ch-7", body["charge"])
	assert.Equal(t, final.ID, body["execution_id"])
	assert.Equal(t, "charge_card", body["step_name"])
	original, ok := body["original_response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ch-7", original["charge_id"])

	assert.Equal(t, []string{"running", "failed", "compensating", "compensated"}, executionTransitions(final))
}

func TestSupervisorOptionalStepFailureContinues(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/orders/confirm", http.StatusOK, `{"confirmed": true}`)
	c.respond("/receipts/send", http.StatusInternalServerError, `{"error": "smtp down"}`)
	c.respond("/crm/update", http.StatusOK, `{"updated": true}`)

	def := fmt.Sprintf(`{
		"name": "confirm-order",
		"steps": [
			{"name": "confirm", "action": {"url": "%[1]s/orders/confirm"}},
			{"name": "send_receipt", "action": {"url": "%[1]s/receipts/send", "retries": 0}, "required": false},
			{"name": "update_crm", "action": {"url": "%[1]s/crm/update"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "confirm-order"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Empty(t, final.FailedStep)
	assert.Equal(t, StepFailed, final.Step("send_receipt").Status)
	assert.Equal(t, StepCompleted, final.Step("update_crm").Status)
	assert.Equal(t, []string{"confirm", "update_crm"}, final.CompletedOrder)
}

func TestSupervisorSkipsStepOnFalseCondition(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/payments/charge", http.StatusOK, `{"status": "standard", "charge_id": "ch-1"}`)
	c.respond("/rewards/grant", http.StatusOK, `{"granted": true}`)
	c.respond("/receipts/send", http.StatusOK, `{"sent": true}`)

	def := fmt.Sprintf(`{
		"name": "charge-with-rewards",
		"steps": [
			{"name": "charge", "action": {"url": "%[1]s/payments/charge"}},
			{"name": "grant_rewards", "action": {"url": "%[1]s/rewards/grant"},
			 "condition": "$charge_response.status == 'premium'"},
			{"name": "send_receipt", "action": {"url": "%[1]s/receipts/send"},
			 "condition": "$charge_response.refund_id == null"}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "charge-with-rewards"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)

	rewards := final.Step("grant_rewards")
	assert.Equal(t, StepSkipped, rewards.Status)
	assert.Equal(t, 0, rewards.Attempts)
	assert.Equal(t, 0, c.count("/rewards/grant"), "a skipped step must not reach its collaborator")

	// Missing context values read as null, so the receipt condition holds.
	assert.Equal(t, StepCompleted, final.Step("send_receipt").Status)
	assert.Equal(t, []string{"charge", "send_receipt"}, final.CompletedOrder,
		"skipped steps never join the completion order")

	var skipEv *Event
	for i := range final.Events {
		if final.Events[i].Kind == EventStep && final.Events[i].To == "skipped" {
			skipEv = &final.Events[i]
			break
		}
	}
	require.NotNil(t, skipEv)
	assert.Equal(t, "condition evaluated to false", skipEv.Detail)
}

func TestSupervisorConditionEvalErrorFailsStep(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/quotes/price", http.StatusOK, `{"amount": 99}`)
	c.respond("/quotes/approve", http.StatusOK, `{"approved": true}`)

	def := fmt.Sprintf(`{
		"name": "quote-approval",
		"steps": [
			{"name": "price_quote", "action": {"url": "%[1]s/quotes/price"}},
			{"name": "approve_quote", "action": {"url": "%[1]s/quotes/approve"},
			 "condition": "$price_quote_response.amount > 'ten'"}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "quote-approval"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status, "an unevaluable gate on a required step fails the saga")
	assert.Equal(t, "approve_quote", final.FailedStep)

	approve := final.Step("approve_quote")
	assert.Equal(t, StepFailed, approve.Status)
	assert.Equal(t, 0, approve.Attempts)
	assert.Contains(t, approve.Error, "evaluate condition")
	assert.Equal(t, 0, c.count("/quotes/approve"))
}

func TestSupervisorRetriesFlakyStep(t *testing.T) {
	c := newCollaborators(t)
	var hits atomic.Int32
	c.mux.HandleFunc("/inventory/sync", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error": "warming up"}`)
			return
		}
		io.WriteString(w, `{"synced": true}`)
	})

	def := fmt.Sprintf(`{
		"name": "inventory-sync",
		"steps": [
			{"name": "sync", "action": {"url": "%[1]s/inventory/sync", "retries": 3, "base_delay": "1ms"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "inventory-sync"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Step("sync").Attempts, "two failures then success")
	assert.Equal(t, 3, c.count("/inventory/sync"))
	assert.Equal(t, StepCompleted, final.Step("sync").Status)
}

func TestSupervisorRetryExhaustion(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/ledger/post", http.StatusBadGateway, `{"error": "ledger rejects everything"}`)

	def := fmt.Sprintf(`{
		"name": "ledger-post",
		"steps": [
			{"name": "post_entry", "action": {"url": "%[1]s/ledger/post", "retries": 2, "base_delay": "1ms"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "ledger-post"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status,
		"a failed saga ends compensated even when nothing was eligible to undo")
	assert.Equal(t, 3, final.Step("post_entry").Attempts, "retries plus the first attempt")
	assert.Equal(t, 3, c.count("/ledger/post"))
	assert.Equal(t, []string{"running", "failed", "compensating", "compensated"}, executionTransitions(final))
}

func TestSupervisorRejectsNonJSONResponse(t *testing.T) {
	c := newCollaborators(t)
	c.mux.HandleFunc("/legacy/ack", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "OK")
	})

	def := fmt.Sprintf(`{
		"name": "legacy-ack",
		"steps": [
			{"name": "ack", "action": {"url": "%[1]s/legacy/ack", "retries": 0}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "legacy-ack"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status)
	assert.Contains(t, final.Step("ack").Error, "non-JSON response body",
		"a 2xx with an undecodable body is still a failure")
}

func TestSupervisorTimeoutCompensatesCompletedWork(t *testing.T) {
	c := newCollaborators(t)
	c.mux.HandleFunc("/legs/first", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		time.Sleep(250 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"leg_id": "leg-1"}`)
	})
	c.respond("/legs/second", http.StatusOK, `{"leg_id": "leg-2"}`)
	c.respond("/legs/first/undo", http.StatusOK, `{"undone": true}`)

	def := fmt.Sprintf(`{
		"name": "two-leg-transfer",
		"timeout": "150ms",
		"steps": [
			{"name": "first_leg",
			 "action": {"url": "%[1]s/legs/first"},
			 "compensation": {"url": "%[1]s/legs/first/undo"}},
			{"name": "second_leg", "action": {"url": "%[1]s/legs/second"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "two-leg-transfer"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status)
	assert.Contains(t, final.Error, `exceeded its 150ms deadline`)

	// The in-flight call straddling the deadline still completed, so its
	// work gets rolled back like any other completed step.
	assert.Equal(t, StepCompensated, final.Step("first_leg").Status)
	assert.Equal(t, 1, c.count("/legs/first/undo"))

	// The next layer was never dispatched.
	assert.Equal(t, StepPending, final.Step("second_leg").Status)
	assert.Equal(t, 0, c.count("/legs/second"))

	assert.Equal(t, []string{"running", "timeout", "compensating", "compensated"}, executionTransitions(final))
}

func TestSupervisorTimeoutStaysTerminalWithNothingToUndo(t *testing.T) {
	c := newCollaborators(t)
	c.mux.HandleFunc("/jobs/crunch", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		time.Sleep(250 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"crunched": true}`)
	})
	c.respond("/jobs/report", http.StatusOK, `{"reported": true}`)

	def := fmt.Sprintf(`{
		"name": "crunch-report",
		"timeout": "150ms",
		"steps": [
			{"name": "crunch", "action": {"url": "%[1]s/jobs/crunch"}},
			{"name": "report", "action": {"url": "%[1]s/jobs/report"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "crunch-report"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusTimeout, final.Status, "no eligible steps means timeout is terminal")
	require.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.CompensationStartedAt)
	assert.Equal(t, StepCompleted, final.Step("crunch").Status)
	assert.Equal(t, StepPending, final.Step("report").Status)
	assert.Equal(t, []string{"running", "timeout"}, executionTransitions(final))
}

func TestSupervisorCancelRollsBackCompletedSteps(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/rooms/hold", http.StatusOK, `{"hold_id": "h-1"}`)
	c.respond("/rooms/hold/release", http.StatusOK, `{"released": true}`)
	c.respond("/billing/invoice", http.StatusServiceUnavailable, `{"error": "ledger offline"}`)

	// The failing step has a long backoff window, so the cancel lands
	// while the run is asleep between attempts.
	def := fmt.Sprintf(`{
		"name": "room-booking",
		"steps": [
			{"name": "hold_room",
			 "action": {"url": "%[1]s/rooms/hold"},
			 "compensation": {"url": "%[1]s/rooms/hold/release"}},
			{"name": "raise_invoice",
			 "action": {"url": "%[1]s/billing/invoice", "retries": 5, "base_delay": "300ms"}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "room-booking"})
	require.NoError(t, err)

	awaitCondition(t, 10*time.Second, func() bool {
		return c.count("/billing/invoice") >= 1
	}, "the failing step was never attempted")
	require.NoError(t, sup.Cancel(context.Background(), exec.ID))

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status)
	assert.Contains(t, final.Error, "canceled")

	assert.Equal(t, StepCompensated, final.Step("hold_room").Status)
	assert.Equal(t, 1, c.count("/rooms/hold/release"))

	invoice := final.Step("raise_invoice")
	assert.Equal(t, StepFailed, invoice.Status)
	assert.Less(t, invoice.Attempts, 6, "cancellation cuts the retry budget short")

	transitions := executionTransitions(final)
	assert.Equal(t, []string{"running", "compensating", "compensated"}, transitions)
	for _, ev := range final.Events {
		if ev.Kind == EventExecution && ev.To == "compensating" {
			assert.Equal(t, "canceled by operator", ev.Detail)
		}
	}
}

func TestSupervisorCancelRequiresLiveRun(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/svc/do", http.StatusOK, `{"done": true}`)

	def := fmt.Sprintf(`{
		"name": "one-shot",
		"steps": [{"name": "do_it", "action": {"url": "%[1]s/svc/do"}}]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "one-shot"})
	require.NoError(t, err)
	awaitExecution(t, sup, exec.ID)

	err = sup.Cancel(context.Background(), exec.ID)
	require.ErrorIs(t, err, ErrExecutionNotRunning)
	assert.Contains(t, err.Error(), "completed")

	err = sup.Cancel(context.Background(), "no-such-execution")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestSupervisorDeleteGuardsLiveRuns(t *testing.T) {
	c := newCollaborators(t)
	c.mux.HandleFunc("/svc/slow", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"done": true}`)
	})

	def := fmt.Sprintf(`{
		"name": "slow-shot",
		"steps": [{"name": "slow_step", "action": {"url": "%[1]s/svc/slow"}}]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "slow-shot"})
	require.NoError(t, err)

	err = sup.Delete(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrExecutionActive)

	awaitExecution(t, sup, exec.ID)
	require.NoError(t, sup.Delete(context.Background(), exec.ID))
	_, err = sup.Get(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestSupervisorStartUnknownSaga(t *testing.T) {
	sup := NewSupervisor(NewRegistry(nil), NewMemoryStore())
	_, err := sup.Start(context.Background(), StartRequest{SagaName: "ghost"})
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestSupervisorParallelFailurePicksDeterministicStep(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/checks/alpha", http.StatusInternalServerError, `{"error": "alpha down"}`)
	c.respond("/checks/beta", http.StatusInternalServerError, `{"error": "beta down"}`)

	def := fmt.Sprintf(`{
		"name": "dual-check",
		"parallel_execution": true,
		"steps": [
			{"name": "alpha_check", "action": {"url": "%[1]s/checks/alpha", "retries": 0}},
			{"name": "beta_check", "action": {"url": "%[1]s/checks/beta", "retries": 0}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	for i := 0; i < 3; i++ {
		exec, err := sup.Start(context.Background(), StartRequest{SagaName: "dual-check"})
		require.NoError(t, err)
		final := awaitExecution(t, sup, exec.ID)
		assert.Equal(t, StatusCompensated, final.Status)
		assert.Equal(t, "alpha_check", final.FailedStep,
			"the first fatal step in layer order wins, regardless of finish order")
	}
}

func TestSupervisorCompensationModes(t *testing.T) {
	buildDef := func(base, mode string) string {
		return fmt.Sprintf(`{
			"name": "mode-check",
			"compensation_mode": "%[2]s",
			"steps": [
				{"name": "step_a", "action": {"url": "%[1]s/do/a"}, "compensation": {"url": "%[1]s/undo/a"}},
				{"name": "step_b", "action": {"url": "%[1]s/do/b"}, "compensation": {"url": "%[1]s/undo/b"}},
				{"name": "step_c", "action": {"url": "%[1]s/do/c"}, "compensation": {"url": "%[1]s/undo/c"}},
				{"name": "step_d", "action": {"url": "%[1]s/do/d", "retries": 0}}
			]
		}`, base, mode)
	}

	run := func(t *testing.T, mode string) (*Execution, *collaborators) {
		c := newCollaborators(t)
		for _, p := range []string{"a", "b", "c"} {
			c.respond("/do/"+p, http.StatusOK, `{"ok": true}`)
			c.respond("/undo/"+p, http.StatusOK, `{"ok": true}`)
		}
		c.respond("/do/d", http.StatusInternalServerError, `{"error": "boom"}`)

		sup, _ := startSupervisor(t, buildDef(c.url(), mode))
		exec, err := sup.Start(context.Background(), StartRequest{SagaName: "mode-check"})
		require.NoError(t, err)
		final := awaitExecution(t, sup, exec.ID)
		require.Equal(t, StatusCompensated, final.Status)
		return final, c
	}

	t.Run("reverse undoes in reverse completion order", func(t *testing.T) {
		_, c := run(t, "reverse")
		assert.Equal(t, []string{"/undo/c", "/undo/b", "/undo/a"},
			c.sequence("/undo/a", "/undo/b", "/undo/c"))
	})

	t.Run("forward undoes in completion order", func(t *testing.T) {
		_, c := run(t, "forward")
		assert.Equal(t, []string{"/undo/a", "/undo/b", "/undo/c"},
			c.sequence("/undo/a", "/undo/b", "/undo/c"))
	})

	t.Run("parallel undoes everything", func(t *testing.T) {
		final, c := run(t, "parallel")
		assert.ElementsMatch(t, []string{"/undo/a", "/undo/b", "/undo/c"},
			c.sequence("/undo/a", "/undo/b", "/undo/c"))
		for _, name := range []string{"step_a", "step_b", "step_c"} {
			assert.Equal(t, StepCompensated, final.Step(name).Status, name)
		}
	})
}

func TestSupervisorRecordsCompensationFailures(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/stock/reserve", http.StatusOK, `{"reservation_id": "rsv-1"}`)
	c.respond("/stock/release", http.StatusInternalServerError, `{"error": "stock service down"}`)
	c.respond("/payments/charge", http.StatusServiceUnavailable, `{"error": "no funds"}`)

	def := fmt.Sprintf(`{
		"name": "fragile-checkout",
		"steps": [
			{"name": "reserve_stock",
			 "action": {"url": "%[1]s/stock/reserve"},
			 "compensation": {"url": "%[1]s/stock/release", "retries": 1, "base_delay": "1ms"}},
			{"name": "charge_card", "action": {"url": "%[1]s/payments/charge", "retries": 0}}
		]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "fragile-checkout"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompensated, final.Status,
		"the sweep is best effort; the execution still terminates")

	reserve := final.Step("reserve_stock")
	assert.Equal(t, StepCompleted, reserve.Status, "a step whose undo failed keeps its completed status")
	assert.Equal(t, 2, reserve.CompensationAttempts)
	assert.Contains(t, reserve.CompensationError, "status 500")
	assert.Nil(t, reserve.CompensatedAt)
	assert.Equal(t, 2, c.count("/stock/release"))

	assert.Contains(t, final.Error, `left steps uncompensated (reserve_stock)`)
}

func TestSupervisorRecoverResumesInterruptedRun(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/ledger/post", http.StatusOK, `{"entry_id": "e-1"}`)
	c.respond("/ledger/settle", http.StatusOK, `{"settled": true}`)

	def, err := ParseDefinition([]byte(fmt.Sprintf(`{
		"name": "ledger-batch",
		"steps": [
			{"name": "post_entry", "action": {"url": "%[1]s/ledger/post"}},
			{"name": "settle_batch", "action": {"url": "%[1]s/ledger/settle"}}
		]
	}`, c.url())))
	require.NoError(t, err)

	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(ctx, def))

	// A run that died with its first step stranded mid-flight.
	exec := NewExecution(def, map[string]any{"batch": "b-1"}, "", "")
	_, err = exec.Transition(StatusRunning, "")
	require.NoError(t, err)
	_, err = exec.TransitionStep("post_entry", StepRunning, "")
	require.NoError(t, err)
	now := time.Now().UTC()
	deadline := now.Add(time.Minute)
	exec.StartedAt = &now
	exec.TimeoutAt = &deadline
	require.NoError(t, store.SaveExecution(ctx, exec))

	sup := NewSupervisor(reg, store)
	recovered, err := sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepCompleted, final.Step("post_entry").Status)
	assert.Equal(t, StepCompleted, final.Step("settle_batch").Status)
	assert.Equal(t, 1, c.count("/ledger/post"), "the stranded step is invoked again")
	assert.Equal(t, 1, c.count("/ledger/settle"))

	var reset bool
	for _, ev := range final.Events {
		if ev.Kind == EventStep && ev.To == "pending" && ev.Detail == "reset after restart" {
			reset = true
		}
	}
	assert.True(t, reset, "the stranded step must be reset before re-dispatch")
}

func TestSupervisorRecoverStartsPendingRun(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/svc/do", http.StatusOK, `{"done": true}`)

	def, err := ParseDefinition([]byte(fmt.Sprintf(`{
		"name": "pending-run",
		"steps": [{"name": "do_it", "action": {"url": "%[1]s/svc/do"}}]
	}`, c.url())))
	require.NoError(t, err)

	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(ctx, def))

	// Crashed between persisting the pending record and launching it.
	exec := NewExecution(def, nil, "", "")
	require.NoError(t, store.SaveExecution(ctx, exec))

	sup := NewSupervisor(reg, store)
	recovered, err := sup.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestSupervisorRecoverSkips(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(nil)

	registered := refundDefinition(t)
	require.NoError(t, reg.Register(ctx, registered))

	// Terminal records are left alone.
	done := NewExecution(registered, nil, "", "")
	_, err := done.Transition(StatusRunning, "")
	require.NoError(t, err)
	_, err = done.Transition(StatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, store.SaveExecution(ctx, done))

	// So are records whose definition is no longer registered.
	orphanDef, err := ParseDefinition([]byte(`{
		"name": "retired-saga",
		"steps": [{"name": "noop", "action": {"url": "http://gone.internal/noop"}}]
	}`))
	require.NoError(t, err)
	orphan := NewExecution(orphanDef, nil, "", "")
	_, err = orphan.Transition(StatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, store.SaveExecution(ctx, orphan))

	sup := NewSupervisor(reg, store)
	recovered, err := sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	got, err := store.LoadExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status, "an orphan is left untouched for the operator")
}

// flakyStore starts failing writes after a fixed number of saves, standing
// in for a store that went away mid-run.
type flakyStore struct {
	Store
	mu        sync.Mutex
	remaining int
}

func (f *flakyStore) SaveExecution(ctx context.Context, exec *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		return errors.New("disk full")
	}
	f.remaining--
	return f.Store.SaveExecution(ctx, exec)
}

func TestSupervisorAbandonsRunOnPersistFailure(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/svc/do", http.StatusOK, `{"done": true}`)

	def, err := ParseDefinition([]byte(fmt.Sprintf(`{
		"name": "durable-only",
		"steps": [{"name": "do_it", "action": {"url": "%[1]s/svc/do"}}]
	}`, c.url())))
	require.NoError(t, err)

	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore(), remaining: 1}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(ctx, def))
	sup := NewSupervisor(reg, store)

	// The initial save succeeds; the running transition cannot be
	// persisted, so the run is abandoned before any side effect.
	exec, err := sup.Start(ctx, StartRequest{SagaName: "durable-only"})
	require.NoError(t, err)

	final := awaitExecution(t, sup, exec.ID)
	assert.Equal(t, StatusPending, final.Status, "the record keeps its last persisted status")
	assert.Equal(t, 0, c.count("/svc/do"), "no side effects without durable state")
}

func TestSupervisorMetrics(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/svc/one", http.StatusOK, `{"ok": true}`)
	c.respond("/svc/two", http.StatusOK, `{"ok": true}`)

	def := fmt.Sprintf(`{
		"name": "metered",
		"steps": [
			{"name": "one", "action": {"url": "%[1]s/svc/one"}},
			{"name": "two", "action": {"url": "%[1]s/svc/two"}}
		]
	}`, c.url())

	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)
	sup, _ := startSupervisor(t, def, WithMetrics(m))

	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "metered"})
	require.NoError(t, err)
	awaitExecution(t, sup, exec.ID)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StepsExecuted.WithLabelValues("completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveExecutions))
}

func TestSupervisorPublishesEvents(t *testing.T) {
	c := newCollaborators(t)
	c.respond("/svc/do", http.StatusOK, `{"done": true}`)

	def := fmt.Sprintf(`{
		"name": "observed",
		"steps": [{"name": "do_it", "action": {"url": "%[1]s/svc/do"}}]
	}`, c.url())

	events := NewBroadcaster(nil)
	defer events.Close()
	ch, cancel := events.Subscribe(64)
	defer cancel()

	sup, _ := startSupervisor(t, def, WithBroadcaster(events))
	exec, err := sup.Start(context.Background(), StartRequest{SagaName: "observed"})
	require.NoError(t, err)

	var received []Event
	deadline := time.After(10 * time.Second)
	for {
		var done bool
		select {
		case ev := <-ch:
			received = append(received, ev)
			done = ev.Kind == EventExecution && Status(ev.To).Terminal()
		case <-deadline:
			t.Fatal("never saw a terminal event")
		}
		if done {
			break
		}
	}

	require.NotEmpty(t, received)
	assert.Equal(t, "running", received[0].To)
	lastSeq := 0
	for _, ev := range received {
		assert.Equal(t, exec.ID, ev.ExecutionID)
		assert.Greater(t, ev.Seq, lastSeq, "sequence numbers must increase")
		lastSeq = ev.Seq
	}
	assert.Equal(t, "completed", received[len(received)-1].To)
}

func TestSupervisorDrain(t *testing.T) {
	c := newCollaborators(t)
	c.mux.HandleFunc("/svc/slow", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"done": true}`)
	})

	def := fmt.Sprintf(`{
		"name": "drainable",
		"steps": [{"name": "slow_step", "action": {"url": "%[1]s/svc/slow"}}]
	}`, c.url())

	sup, _ := startSupervisor(t, def)
	var ids []string
	for i := 0; i < 3; i++ {
		exec, err := sup.Start(context.Background(), StartRequest{SagaName: "drainable"})
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, sup.Drain(ctx))

	for _, id := range ids {
		exec, err := sup.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, exec.Status)
	}

	list, err := sup.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
