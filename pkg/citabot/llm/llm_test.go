package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChatReturnsContent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", req["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "¡Hola!"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "gpt-4o-mini", testLogger())
	msg, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hola"}}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if msg.Content != "¡Hola!" || len(msg.ToolCalls) != 0 {
		t.Fatalf("message = %+v", msg)
	}
}

func TestChatReturnsToolCalls(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "consultar_disponibilidad",
							"arguments": `{"fecha":"2026-09-01"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpt-4o-mini", testLogger())
	msg, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hay citas?"}}, []Tool{
		NewTool("consultar_disponibilidad", "Consulta horarios", map[string]any{"type": "object"}),
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	tc := msg.ToolCalls[0]
	if tc.Function.Name != "consultar_disponibilidad" || tc.ID != "call_1" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestChatAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpt-4o-mini", testLogger())
	if _, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hola"}}, nil); err == nil {
		t.Fatal("expected error on 429")
	}
}
