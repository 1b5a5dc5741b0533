package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	src := scenarioSource()
	gw := newTestGateway(t, src, AuthEvent)
	srv := httptest.NewServer(NewHTTPHandler(gw, NewLevelCache(src, time.Minute, zerolog.Nop()), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func postAdmission(t *testing.T, srv *httptest.Server, body string) (*http.Response, admissionResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/admission", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/admission: %v", err)
	}
	defer resp.Body.Close()
	var out admissionResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

func TestHTTPAdmission(t *testing.T) {
	srv := newTestAPI(t)

	tests := []struct {
		name    string
		body    string
		verdict string
		ban     string
		message string
	}{
		{"explicit level exempt", `{"address":"2.2.2.2","name":"Paul","level":41}`, "accept", "", ""},
		{"resolved level exempt", `{"address":"2.2.2.2","name":"Mike"}`, "accept", "", ""},
		{"banned", `{"address":"2.2.2.2","name":"Paul"}`, "reject", "Ban",
			"Netblocker: Client refused: 2.2.2.2 (Paul) has an active Ban"},
		{"temp banned", `{"address":"3.3.3.3","name":"John","level":0,"kind":"auth"}`, "reject", "TempBan",
			"Netblocker: Client refused: 3.3.3.3 (John) has an active TempBan"},
		{"clean", `{"address":"4.4.4.4","name":"Mary","level":0}`, "accept", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postAdmission(t, srv, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if out.Verdict != tt.verdict || out.Ban != tt.ban || out.Message != tt.message {
				t.Errorf("response = %+v, want verdict %q ban %q message %q", out, tt.verdict, tt.ban, tt.message)
			}
			if out.ID == "" {
				t.Error("response has no event id")
			}
		})
	}
}

func TestHTTPAdmission_BadRequest(t *testing.T) {
	srv := newTestAPI(t)
	for _, body := range []string{`{`, `{"name":"x"}`, `{"address":"  "}`, `{"address":"1.1.1.1","kind":"join"}`} {
		resp, _ := postAdmission(t, srv, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestHTTPBans(t *testing.T) {
	srv := newTestAPI(t)
	postAdmission(t, srv, `{"address":"4.4.4.4","name":"Mary","level":0}`)

	resp, err := http.Get(srv.URL + "/v1/bans")
	if err != nil {
		t.Fatalf("GET /v1/bans: %v", err)
	}
	defer resp.Body.Close()
	var out bansResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Permanent != 3 || out.Temporary != 3 || out.MaxLevel != 1 || out.Generation != 1 {
		t.Errorf("GET /v1/bans = %+v", out)
	}
}

func TestHTTPHealthz(t *testing.T) {
	srv := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHTTPAdmission_OtherKind(t *testing.T) {
	srv := newTestAPI(t)
	resp, _ := postAdmission(t, srv, `{"address":"2.2.2.2","name":"Paul","kind":"preauth"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}
