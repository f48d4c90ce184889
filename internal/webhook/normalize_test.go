package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunabot/luna/internal/contact"
)

func TestNormalizeNestedEnvelope(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"data": {
			"data": {
				"messages": [{
					"key": {"remoteJid": "551199999999@s.whatsapp.net", "fromMe": false, "id": "ABC123"},
					"pushName": "Maria Silva",
					"message": {"conversation": "oi"}
				}]
			}
		}
	}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "551199999999", inbound.Phone)
	assert.Equal(t, contact.KindText, inbound.Kind)
	assert.Equal(t, "oi", inbound.Text)
	assert.Equal(t, "Maria Silva", inbound.PushName)
}

func TestNormalizeTopLevelMessages(t *testing.T) {
	raw := []byte(`{
		"messages": [{
			"key": {"remoteJid": "5521888887777@c.us"},
			"message": {"extendedTextMessage": {"text": "quero saber mais"}}
		}]
	}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "5521888887777", inbound.Phone)
	assert.Equal(t, "quero saber mais", inbound.Text)
	assert.Equal(t, contact.KindText, inbound.Kind)
}

func TestNormalizeButtonReply(t *testing.T) {
	raw := []byte(`{
		"messages": [{
			"key": {"remoteJid": "551199999999@s.whatsapp.net"},
			"message": {"buttonsResponseMessage": {"selectedDisplayText": "Sim, quero"}}
		}]
	}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Sim, quero", inbound.Text)
	assert.Equal(t, contact.KindText, inbound.Kind)
}

func TestNormalizeFlatShape(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "chatId with jid suffix",
			raw:  `{"chatId": "551199999999@c.us", "text": "bom dia"}`,
			want: Inbound{Phone: "551199999999", Kind: contact.KindText, Text: "bom dia"},
		},
		{
			name: "bare phone field",
			raw:  `{"phone": "5511988887777", "body": "ola"}`,
			want: Inbound{Phone: "5511988887777", Kind: contact.KindText, Text: "ola"},
		},
		{
			name: "numeric from field",
			raw:  `{"from": 5511988887777, "message": "teste"}`,
			want: Inbound{Phone: "5511988887777", Kind: contact.KindText, Text: "teste"},
		},
		{
			name: "plus prefixed number",
			raw:  `{"number": "+55 11 98888-7777", "content": "oi"}`,
			want: Inbound{Phone: "5511988887777", Kind: contact.KindText, Text: "oi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbound, err := Normalize([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, inbound)
		})
	}
}

func TestNormalizeGroupSenderFallsBackToParticipant(t *testing.T) {
	raw := []byte(`{
		"messages": [{
			"key": {
				"remoteJid": "120363041234567890@g.us",
				"participant": "551199999999@s.whatsapp.net"
			},
			"message": {"conversation": "oi pessoal"}
		}]
	}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "551199999999", inbound.Phone)
}

func TestNormalizeGroupWithoutParticipantHasNoPhone(t *testing.T) {
	raw := []byte(`{
		"messages": [{
			"key": {"remoteJid": "120363041234567890@g.us"},
			"message": {"conversation": "oi"}
		}]
	}`)

	_, err := Normalize(raw)
	assert.ErrorIs(t, err, ErrNoParticipant)
}

func TestNormalizeMediaKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want contact.Kind
	}{
		{
			name: "image message",
			raw: `{"messages": [{"key": {"remoteJid": "551199999999@s.whatsapp.net"},
				"message": {"imageMessage": {"mimetype": "image/jpeg"}}}]}`,
			want: contact.KindImage,
		},
		{
			name: "audio message",
			raw: `{"messages": [{"key": {"remoteJid": "551199999999@s.whatsapp.net"},
				"message": {"audioMessage": {"seconds": 12}}}]}`,
			want: contact.KindAudio,
		},
		{
			name: "document message",
			raw: `{"messages": [{"key": {"remoteJid": "551199999999@s.whatsapp.net"},
				"message": {"documentMessage": {"fileName": "contrato.pdf"}}}]}`,
			want: contact.KindDocument,
		},
		{
			name: "flat video field",
			raw:  `{"phone": "5511988887777", "video": {"url": "https://cdn.example/v.mp4"}}`,
			want: contact.KindVideo,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbound, err := Normalize([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, inbound.Kind)
			assert.Empty(t, inbound.Text)
		})
	}
}

func TestNormalizeCaptionedImageIsText(t *testing.T) {
	// A caption carries user intent, so the event counts as text.
	raw := []byte(`{"phone": "5511988887777", "image": {"url": "x"}, "caption": "segue o print"}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, contact.KindText, inbound.Kind)
	assert.Equal(t, "segue o print", inbound.Text)
}

func TestNormalizeGenericScanFallback(t *testing.T) {
	// Unknown envelope: phone and text live under unexpected nesting.
	raw := []byte(`{
		"provider": "custom",
		"payload": {
			"sender": {"jid": "551199999999@s.whatsapp.net"},
			"inner": {"text": "oi, tudo bem?"}
		}
	}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "551199999999", inbound.Phone)
	assert.Equal(t, "oi, tudo bem?", inbound.Text)
}

func TestNormalizeScanPrefersJIDOverBareDigits(t *testing.T) {
	raw := []byte(`{
		"trace_id": "99887766554433",
		"payload": {"who": "551199999999@c.us", "text": "oi"}
	}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "551199999999", inbound.Phone)
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "not json", raw: `hello`, wantErr: ErrUnrecognized},
		{name: "json array", raw: `[1, 2, 3]`, wantErr: ErrUnrecognized},
		{name: "json null", raw: `null`, wantErr: ErrUnrecognized},
		{name: "empty object", raw: `{}`, wantErr: ErrNoParticipant},
		{name: "short number", raw: `{"phone": "12345", "text": "oi"}`, wantErr: ErrNoParticipant},
		{name: "status update without sender", raw: `{"event": "connection.update", "state": "open"}`, wantErr: ErrNoParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNormalizeUnknownKindWithPhoneOnly(t *testing.T) {
	raw := []byte(`{"chatId": "551199999999@s.whatsapp.net", "event": "presence"}`)

	inbound, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "551199999999", inbound.Phone)
	assert.Equal(t, contact.KindUnknown, inbound.Kind)
	assert.Empty(t, inbound.Text)
}
