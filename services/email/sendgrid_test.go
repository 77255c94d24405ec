package emailsvc_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core"
	emailsvc "github.com/trezcool/kanisa/services/email"
	"github.com/trezcool/kanisa/tests"
)

type sgPayload struct {
	From struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"from"`
	Personalizations []struct {
		To []struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"to"`
		Subject string `json:"subject"`
	} `json:"personalizations"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func newSendgridServer(t *testing.T, status int) (*httptest.Server, *[]*http.Request, *[]sgPayload) {
	t.Helper()

	reqs := make([]*http.Request, 0)
	payloads := make([]sgPayload, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var p sgPayload
		require.NoError(t, json.Unmarshal(body, &p))
		reqs = append(reqs, r)
		payloads = append(payloads, p)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &payloads
}

func newSendgridService(t *testing.T, host string) core.EmailService {
	t.Helper()

	conf := testutil.NewConfig()
	conf.SendgridApiKey = "SG.test"
	conf.Mail.Host = host
	conf.Mail.Endpoint = "/v3/mail/send"
	return emailsvc.NewSendgridService(conf, testutil.NewLogger(conf))
}

func TestSendgridService_SendMessage(t *testing.T) {
	srv, reqs, payloads := newSendgridServer(t, http.StatusAccepted)
	svc := newSendgridService(t, srv.URL)

	msg := &core.EmailMessage{
		To:      []mail.Address{{Name: "Head Mbuyi", Address: "head@mbuyi.cd"}},
		Subject: "Check-in: Child Mbuyi",
		BodyStr: "Child Mbuyi has been checked in.",
	}
	require.NoError(t, svc.SendMessage(context.Background(), msg))
	require.Len(t, *reqs, 1)

	req := (*reqs)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v3/mail/send", req.URL.Path)
	assert.Equal(t, "Bearer SG.test", req.Header.Get("Authorization"))

	p := (*payloads)[0]
	assert.Equal(t, "noreply@localhost", p.From.Email)
	require.Len(t, p.Personalizations, 1)
	assert.Equal(t, "[Kanisa] Check-in: Child Mbuyi", p.Personalizations[0].Subject)
	require.Len(t, p.Personalizations[0].To, 1)
	assert.Equal(t, "head@mbuyi.cd", p.Personalizations[0].To[0].Email)
	require.Len(t, p.Content, 1)
	assert.Equal(t, "text/plain", p.Content[0].Type)
	assert.Equal(t, "Child Mbuyi has been checked in.", p.Content[0].Value)
}

func TestSendgridService_SendMessage_html(t *testing.T) {
	srv, _, payloads := newSendgridServer(t, http.StatusAccepted)
	svc := newSendgridService(t, srv.URL)

	msg := &core.EmailMessage{
		To:          []mail.Address{{Address: "ada@test.cd"}},
		Subject:     "You have checked in",
		BodyStr:     "You checked in to Youth on Sunday, March 10, 2024.",
		HTMLContent: "<p>You checked in to <b>Youth</b> on Sunday, March 10, 2024.</p>",
	}
	require.NoError(t, svc.SendMessage(context.Background(), msg))
	require.Len(t, *payloads, 1)

	p := (*payloads)[0]
	assert.Equal(t, "[Kanisa] You have checked in", p.Personalizations[0].Subject)
	require.Len(t, p.Content, 2)
	assert.Equal(t, "text/plain", p.Content[0].Type)
	assert.Contains(t, p.Content[0].Value, "Youth")
	assert.Equal(t, "text/html", p.Content[1].Type)
	assert.Contains(t, p.Content[1].Value, "<b>Youth</b>")
}

func TestSendgridService_SendMessage_errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		msg      *core.EmailMessage
		wantErr  bool
		wantReqs int
	}{
		{
			name:     "rejected",
			status:   http.StatusBadRequest,
			msg:      &core.EmailMessage{To: []mail.Address{{Address: "a@test.cd"}}, BodyStr: "hi"},
			wantErr:  true,
			wantReqs: 1,
		},
		{
			name:   "no recipients",
			status: http.StatusAccepted,
			msg:    &core.EmailMessage{BodyStr: "hi"},
		},
		{
			name:   "no content",
			status: http.StatusAccepted,
			msg:    &core.EmailMessage{To: []mail.Address{{Address: "a@test.cd"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs, _ := newSendgridServer(t, tt.status)
			svc := newSendgridService(t, srv.URL)

			err := svc.SendMessage(context.Background(), tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, *reqs, tt.wantReqs)
		})
	}
}
