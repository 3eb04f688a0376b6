package notify

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSender_Send(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "alerts@example.com"})
	require.NoError(t, err)

	var gotAddr string
	var gotTo []string
	var gotBody string
	s.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, string(msg)
		return nil
	}

	err = s.Send(context.Background(), Message{
		To:         []string{"ops@example.com"},
		Subject:    "Agent connection alert - edge-1",
		Body:       "line one\nline two",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, gotBody, "Subject: Agent connection alert - edge-1\r\n")
	assert.Contains(t, gotBody, "line one\r\nline two")
}

func TestSMTPSender_PermanentRejection(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "alerts@example.com"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "mailbox unavailable", err: &textproto.Error{Code: 550, Msg: "no such user"}, permanent: true},
		{name: "greylisted", err: &textproto.Error{Code: 451, Msg: "try later"}, permanent: false},
		{name: "network", err: errors.New("dial tcp: refused"), permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.send = func(string, smtp.Auth, string, []string, []byte) error { return tt.err }

			err := s.Send(context.Background(), Message{To: []string{"ops@example.com"}})
			require.Error(t, err)

			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}

func TestNewSMTPSender_Validation(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{From: "a@example.com"})
	assert.Error(t, err)

	_, err = NewSMTPSender(SMTPConfig{Host: "mail.example.com"})
	assert.Error(t, err)
}
