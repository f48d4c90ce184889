package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "bare name", in: "Maria", want: "Maria", ok: true},
		{name: "lowercase", in: "maria", want: "Maria", ok: true},
		{name: "full sentence", in: "oi, meu nome é Maria Silva", want: "Maria Silva", ok: true},
		{name: "pode me chamar de", in: "pode me chamar de João", want: "João", ok: true},
		{name: "caps at two tokens", in: "Maria Silva dos Santos", want: "Maria Silva", ok: true},
		{name: "digits reject", in: "Maria123", ok: false},
		{name: "phone number reject", in: "11 98888-7777", ok: false},
		{name: "emoji reject", in: "Maria 😊", ok: false},
		{name: "only fillers", in: "oi, tudo bem?", ok: false},
		{name: "refusal is not a name", in: "não", ok: false},
		{name: "empty", in: "   ", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SanitizeName(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
