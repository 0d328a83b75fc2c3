package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/providers/devkit"
)

func TestAnswerClient_PostsNameAndOption(t *testing.T) {
	transport := devkit.NewFakeTransportAdapter(devkit.TransportScript{
		Response: core.TransportResponse{StatusCode: http.StatusOK, Body: []byte("明天发货")},
	})
	client, err := NewAnswerClient(transport, "https://hook.example.com/answer", 5*time.Second, nil)
	if err != nil {
		t.Fatalf("new answer client: %v", err)
	}

	answer, err := client.Ask(context.Background(), "wm-user", "什么时候发货")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer != "明天发货" {
		t.Fatalf("expected opaque body as answer, got %q", answer)
	}

	req := transport.Requests()[0]
	if req.Method != http.MethodPost || req.URL != "https://hook.example.com/answer" || req.Timeout != 5*time.Second {
		t.Fatalf("unexpected webhook request %+v", req)
	}
	var body map[string]string
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["name"] != "wm-user" || body["option"] != "什么时候发货" || len(body) != 2 {
		t.Fatalf("unexpected webhook body %+v", body)
	}
}

func TestAnswerClient_NonSuccessStatusIsTransportError(t *testing.T) {
	transport := devkit.NewFakeTransportAdapter(devkit.TransportScript{
		Response: core.TransportResponse{StatusCode: http.StatusBadGateway},
	})
	client, _ := NewAnswerClient(transport, "https://hook.example.com/answer", 0, nil)

	if _, err := client.Ask(context.Background(), "wm-user", "hi"); !core.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := transport.Requests()[0].Timeout; got != defaultAnswerTimeout {
		t.Fatalf("expected default timeout, got %s", got)
	}
}

func TestNewAnswerClient_RequiresURL(t *testing.T) {
	if _, err := NewAnswerClient(devkit.NewFakeTransportAdapter(), " ", 0, nil); !core.IsBadInputError(err) {
		t.Fatalf("expected bad input error, got %v", err)
	}
}
