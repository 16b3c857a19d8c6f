package usage

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

func TestBuildErrorDetailFromUpstreamBody(t *testing.T) {
	raw := BuildErrorDetail(http.StatusBadGateway, []byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`), nil)
	if raw == nil {
		t.Fatalf("expected detail")
	}
	var detail struct {
		StatusCode   int             `json:"status_code"`
		Message      string          `json:"message"`
		ResponseBody json.RawMessage `json:"response_body"`
	}
	if errUnmarshal := json.Unmarshal(raw, &detail); errUnmarshal != nil {
		t.Fatalf("unmarshal: %v", errUnmarshal)
	}
	if detail.StatusCode != http.StatusBadGateway || detail.Message != "upstream exploded" {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if len(detail.ResponseBody) == 0 {
		t.Fatalf("expected response body to be kept")
	}
}

func TestBuildErrorDetailSkipsSuccess(t *testing.T) {
	if raw := BuildErrorDetail(http.StatusOK, []byte(`{}`), nil); raw != nil {
		t.Fatalf("expected nil detail for success, got %s", raw)
	}
}

func TestBuildErrorDetailUsesCause(t *testing.T) {
	raw := BuildErrorDetail(http.StatusOK, nil, errors.New("stream interrupted"))
	var detail struct {
		Message string `json:"message"`
	}
	if errUnmarshal := json.Unmarshal(raw, &detail); errUnmarshal != nil {
		t.Fatalf("unmarshal: %v", errUnmarshal)
	}
	if detail.Message != "stream interrupted" {
		t.Fatalf("unexpected message %q", detail.Message)
	}
}

func TestExtractErrorMessage(t *testing.T) {
	cases := map[string]string{
		`{"error":{"message":"bad key"}}`: "bad key",
		`{"error":"quota"}`:               "quota",
		`{"message":"nope"}`:              "nope",
		`plain text failure`:              "plain text failure",
		``:                                "",
	}
	for body, want := range cases {
		if got := ExtractErrorMessage([]byte(body)); got != want {
			t.Fatalf("body %q: expected %q, got %q", body, want, got)
		}
	}
}

func TestBuildErrorDetailClipsLongBodies(t *testing.T) {
	body := []byte(strings.Repeat("é", maxDetailBodyBytes))
	raw := BuildErrorDetail(http.StatusBadGateway, body, nil)
	kept := gjson.GetBytes(raw, "response_body").String()
	if len(kept) > maxDetailBodyBytes || !utf8.ValidString(kept) {
		t.Fatalf("body not clipped on a rune boundary: %d bytes", len(kept))
	}
}
