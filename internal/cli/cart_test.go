package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanEnv clears the CARTSYNC_* variables that would override flags.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CARTSYNC_STORAGE_DRIVER", "CARTSYNC_STORAGE_PATH", "CARTSYNC_STORAGE_ADDR",
		"CARTSYNC_STORAGE_DSN", "CARTSYNC_STORAGE_PROJECT", "CARTSYNC_STORAGE_NAMESPACE",
		"CARTSYNC_ORDER_URL", "CARTSYNC_ORDER_TIMEOUT",
		"CARTSYNC_REALTIME_URL", "CARTSYNC_REALTIME_SOURCE", "CARTSYNC_REALTIME_TOKEN",
		"CARTSYNC_RELAY_ADDR", "CARTSYNC_RELAY_TOKEN", "CARTSYNC_RELAY_REDIS_ADDR",
	} {
		t.Setenv(name, "")
	}
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type cartResponse struct {
	Status string    `json:"status"`
	Data   cartView  `json:"data"`
	Error  *CLIError `json:"error"`
}

func decodeCart(t *testing.T, out string) cartResponse {
	t.Helper()
	var resp cartResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// orderServer is a minimal order API. Item calls answer with failStatus and
// failBody when failStatus is set.
type orderServer struct {
	mu         sync.Mutex
	calls      []string
	failStatus int
	failBody   string
}

func (s *orderServer) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/orders", func(w http.ResponseWriter, req *http.Request) {
		s.record("create")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ord-1"}`))
	}).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}/items", s.item("add")).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}/items/{item}", s.item("remove")).Methods(http.MethodDelete)
	r.HandleFunc("/orders/{id}/items/{item}/decrement", s.item("decrement")).Methods(http.MethodPost)
	return r
}

func (s *orderServer) item(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s.record(op + " " + mux.Vars(req)["id"])
		s.mu.Lock()
		status, body := s.failStatus, s.failBody
		s.mu.Unlock()
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *orderServer) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *orderServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newOrderServer(t *testing.T) (*orderServer, string) {
	t.Helper()
	s := &orderServer{}
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func cartFlags(t *testing.T, orderURL string) []string {
	t.Helper()
	return []string{
		"--storage", "sqlite",
		"--db", filepath.Join(t.TempDir(), "cart.db"),
		"--order-url", orderURL,
	}
}

func TestCartAdd_Confirmed(t *testing.T) {
	cleanEnv(t)
	orders, url := newOrderServer(t)
	flags := cartFlags(t, url)

	out, err := runCLI(t, append([]string{"--format", "json", "cart", "add", "burger", "large", "--price", "1250"}, flags...)...)
	require.NoError(t, err)

	resp := decodeCart(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	require.Len(t, resp.Data.Lines, 1)
	assert.Equal(t, lineView{Item: "burger", Variant: "large", Quantity: 1, UnitPrice: 1250, Subtotal: 1250}, resp.Data.Lines[0])
	assert.Equal(t, "ord-1", resp.Data.OrderID)
	assert.Equal(t, []string{"create", "add ord-1"}, orders.Calls())

	// The cart and order id survive into the next invocation.
	out, err = runCLI(t, append([]string{"cart", "show"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "burger")
	assert.Contains(t, out, "Items: 1  Total: 1250")
	assert.Contains(t, out, "Order: ord-1")
}

func TestCartAdd_SecondUnitReusesOrder(t *testing.T) {
	cleanEnv(t)
	orders, url := newOrderServer(t)
	flags := cartFlags(t, url)

	_, err := runCLI(t, append([]string{"cart", "add", "fries", "--price", "300"}, flags...)...)
	require.NoError(t, err)
	out, err := runCLI(t, append([]string{"--format", "json", "cart", "add", "fries"}, flags...)...)
	require.NoError(t, err)

	resp := decodeCart(t, out)
	require.Len(t, resp.Data.Lines, 1)
	assert.Equal(t, 2, resp.Data.Lines[0].Quantity)
	assert.Equal(t, int64(300), resp.Data.Lines[0].UnitPrice)
	assert.Equal(t, int64(600), resp.Data.Total)
	assert.Equal(t, []string{"create", "add ord-1", "add ord-1"}, orders.Calls())
}

func TestCartAdd_RolledBack(t *testing.T) {
	cleanEnv(t)
	orders, url := newOrderServer(t)
	orders.failStatus = http.StatusConflict
	orders.failBody = `{"error":"Item unavailable"}`
	flags := cartFlags(t, url)

	out, err := runCLI(t, append([]string{"--format", "json", "cart", "add", "burger", "large", "--price", "1250"}, flags...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeCart(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_ROLLED_BACK", resp.Error.Code)
	assert.Equal(t, "Item is out of stock", resp.Error.Message)
	assert.Empty(t, resp.Data.Lines)
}

func TestCartRemove_RolledBackText(t *testing.T) {
	cleanEnv(t)
	orders, url := newOrderServer(t)
	flags := cartFlags(t, url)

	_, err := runCLI(t, append([]string{"cart", "add", "soda", "small", "--price", "150"}, flags...)...)
	require.NoError(t, err)

	orders.mu.Lock()
	orders.failStatus = http.StatusInternalServerError
	orders.failBody = `{"error":"database down"}`
	orders.mu.Unlock()

	out, err := runCLI(t, append([]string{"cart", "remove", "soda", "small"}, flags...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ remove soda:small rolled back: Update failed")
	assert.Contains(t, out, "soda")
	assert.Contains(t, out, "Items: 1  Total: 150")
}

func TestCartMutation_CommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no order url", []string{"cart", "add", "burger", "--storage", "memory"}},
		{"empty item", []string{"cart", "add", "", "--storage", "memory", "--order-url", "http://127.0.0.1:1"}},
		{"negative price", []string{"cart", "add", "burger", "--price", "-5", "--storage", "memory", "--order-url", "http://127.0.0.1:1"}},
		{"unknown driver", []string{"cart", "show", "--storage", "floppy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestCartShow_Empty(t *testing.T) {
	cleanEnv(t)

	out, err := runCLI(t, "cart", "show", "--storage", "memory")
	require.NoError(t, err)
	assert.Equal(t, "Cart is empty.\n", out)
}

func TestCartClear(t *testing.T) {
	cleanEnv(t)
	_, url := newOrderServer(t)
	flags := cartFlags(t, url)

	_, err := runCLI(t, append([]string{"cart", "add", "burger", "--price", "100"}, flags...)...)
	require.NoError(t, err)

	out, err := runCLI(t, append([]string{"--format", "json", "cart", "clear"}, flags...)...)
	require.NoError(t, err)
	resp := decodeCart(t, out)
	assert.Empty(t, resp.Data.Lines)
	assert.Equal(t, "ord-1", resp.Data.OrderID, "clear keeps the order id")

	out, err = runCLI(t, append([]string{"--format", "json", "cart", "clear", "--reset"}, flags...)...)
	require.NoError(t, err)
	resp = decodeCart(t, out)
	assert.Empty(t, resp.Data.Lines)
	assert.Empty(t, resp.Data.OrderID)
}
