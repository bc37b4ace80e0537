// ABOUTME: Tests for the email task: payload validation and message construction.
// ABOUTME: Uses package mailer to inspect the built go-mail message without an SMTP server.
package mailer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

var testCfg = Config{Host: "localhost", Port: 19999, From: "queue@example.com"}

func TestMessageStripsSubjectNewlines(t *testing.T) {
	t.Parallel()
	msg, err := New(testCfg).message(Payload{
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "Report ready\r\nBcc: attacker@evil.com",
		Text:    "done",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Report readyBcc: attacker@evil.com"}, msg.GetGenHeader(mail.HeaderSubject))

	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, rcpts)
}

func TestMessageValidation(t *testing.T) {
	t.Parallel()
	m := New(testCfg)

	_, err := m.message(Payload{Subject: "x", Text: "y"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = m.message(Payload{To: []string{"a@example.com"}, Subject: "x"})
	assert.ErrorIs(t, err, ErrNoBody)

	_, err = m.message(Payload{To: []string{"not an address"}, Text: "y"})
	assert.Error(t, err)
}

func TestRunRejectsBadPayload(t *testing.T) {
	t.Parallel()
	assert.Error(t, New(testCfg).Run(context.Background(), json.RawMessage(`[1,2]`)))
}

func TestSendUnreachableHost(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(Payload{To: []string{"a@example.com"}, Subject: "s", Text: "t"})
	require.NoError(t, err)
	assert.Error(t, New(testCfg).Run(context.Background(), raw))
}

func TestMessageFromName(t *testing.T) {
	t.Parallel()
	payload := Payload{To: []string{"a@example.com"}, Text: "y"}

	msg, err := New(testCfg).message(payload)
	require.NoError(t, err)
	from := msg.GetFromString()
	require.Len(t, from, 1)
	assert.Contains(t, from[0], "queued")
	assert.Contains(t, from[0], "<queue@example.com>")

	named := testCfg
	named.FromName = "Nightly Reports"
	msg, err = New(named).message(payload)
	require.NoError(t, err)
	from = msg.GetFromString()
	require.Len(t, from, 1)
	assert.Contains(t, from[0], "Nightly Reports")
}
