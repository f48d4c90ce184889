package funnel

import (
	"strings"
	"unicode"
)

// Words that commonly surround a name in a reply ("oi, meu nome é Maria").
var nameFillers = map[string]struct{}{
	"oi": {}, "ola": {}, "bom": {}, "boa": {}, "dia": {}, "tarde": {}, "noite": {},
	"meu": {}, "nome": {}, "e": {}, "eh": {}, "sou": {}, "me": {}, "chamo": {},
	"o": {}, "a": {}, "aqui": {}, "prazer": {}, "tudo": {}, "bem": {}, "pode": {},
	"chamar": {}, "de": {}, "sim": {}, "nao": {}, "claro": {},
}

// SanitizeName extracts a plausible display name from a free-form reply.
// Greeting and filler words are stripped, the result is capped at two
// tokens, and any token carrying a digit or punctuation disqualifies the
// whole reply.
func SanitizeName(text string) (string, bool) {
	var kept []string
	for _, raw := range strings.Fields(strings.TrimSpace(text)) {
		token := strings.Trim(raw, ",.!?;:\"'")
		if token == "" {
			continue
		}
		if !lettersOnly(token) {
			return "", false
		}
		if _, filler := nameFillers[foldText(token)]; filler {
			continue
		}
		kept = append(kept, titleCase(token))
		if len(kept) == 2 {
			break
		}
	}
	if len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, " "), true
}

func lettersOnly(token string) bool {
	for _, r := range token {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func titleCase(token string) string {
	runes := []rune(strings.ToLower(token))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
