package webhook

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/lunabot/luna/internal/contact"
)

// ErrUnrecognized marks payloads that are not valid structured data. The
// webhook still acks them; nothing downstream runs.
var ErrUnrecognized = errors.New("unrecognized payload")

// ErrNoParticipant marks structured payloads carrying no extractable phone.
// Never guess or invent an identifier.
var ErrNoParticipant = errors.New("no participant identifier")

// Inbound is the stable triple extracted from a gateway payload.
type Inbound struct {
	Phone    string
	Kind     contact.Kind
	Text     string
	PushName string
}

const (
	groupJIDSuffix = "@g.us"
	minPhoneDigits = 10
)

var (
	phonePattern = regexp.MustCompile(`(?:^|\D)(\+?\d{10,15})(?:\D|$)`)

	userJIDSuffixes = []string{"@s.whatsapp.net", "@c.us"}

	// Keys the last-resort scanner accepts as text carriers.
	textScanKeys = map[string]struct{}{
		"text": {}, "message": {}, "body": {}, "content": {}, "caption": {}, "conversation": {},
	}
)

// Baileys-style message record, possibly nested under data.data.messages or
// messages. Unknown fields are ignored; type mismatches fail the decode and
// fall through to the next known shape.
type messageKey struct {
	RemoteJid   string `json:"remoteJid"`
	Participant string `json:"participant"`
}

type messageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ButtonsResponseMessage struct {
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage struct {
		Title string `json:"title"`
	} `json:"listResponseMessage"`
	ImageMessage    json.RawMessage `json:"imageMessage"`
	VideoMessage    json.RawMessage `json:"videoMessage"`
	AudioMessage    json.RawMessage `json:"audioMessage"`
	DocumentMessage json.RawMessage `json:"documentMessage"`
}

type messageRecord struct {
	Key       messageKey     `json:"key"`
	RemoteJid string         `json:"remoteJid"`
	Message   messageContent `json:"message"`
	PushName  string         `json:"pushName"`
}

type nestedEnvelope struct {
	Data struct {
		Data struct {
			Messages []messageRecord `json:"messages"`
		} `json:"data"`
		Text    json.RawMessage `json:"text"`
		Message json.RawMessage `json:"message"`
		Body    json.RawMessage `json:"body"`
	} `json:"data"`
	Messages []messageRecord `json:"messages"`
}

// Flat Uazapi-style shape. Values that arrive as JSON numbers are kept raw
// and coerced later.
type flatEnvelope struct {
	ChatID json.RawMessage `json:"chatId"`
	From   json.RawMessage `json:"from"`
	Phone  json.RawMessage `json:"phone"`
	Number json.RawMessage `json:"number"`
	Chat   struct {
		ChatID    string `json:"chatId"`
		RemoteJid string `json:"remoteJid"`
		ID        string `json:"id"`
	} `json:"chat"`
	Key         messageKey      `json:"key"`
	Participant string          `json:"participant"`
	Author      string          `json:"author"`
	Text        json.RawMessage `json:"text"`
	Message     json.RawMessage `json:"message"`
	Body        json.RawMessage `json:"body"`
	Content     json.RawMessage `json:"content"`
	Caption     json.RawMessage `json:"caption"`
	Image       json.RawMessage `json:"image"`
	Video       json.RawMessage `json:"video"`
	Audio       json.RawMessage `json:"audio"`
	Document    json.RawMessage `json:"document"`
}

// Normalize extracts (participant, kind, text) from an arbitrary gateway
// payload. Known schemas are probed in priority order; a generic key/value
// scan over the decoded document is the compatibility fallback. Total: every
// input yields a value or an error, never a panic.
func Normalize(raw []byte) (Inbound, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil || generic == nil {
		return Inbound{}, ErrUnrecognized
	}

	var nested nestedEnvelope
	_ = json.Unmarshal(raw, &nested) //nolint:errcheck // shape probe; mismatch falls through
	var flat flatEnvelope
	_ = json.Unmarshal(raw, &flat) //nolint:errcheck // shape probe; mismatch falls through

	record, hasRecord := locateRecord(nested)

	phone := extractPhone(record, flat, generic)
	if phone == "" {
		return Inbound{}, ErrNoParticipant
	}

	text := extractText(record, hasRecord, nested, flat, generic)
	kind := classifyKind(record, hasRecord, flat, text)

	return Inbound{
		Phone:    phone,
		Kind:     kind,
		Text:     text,
		PushName: strings.TrimSpace(record.PushName),
	}, nil
}

func locateRecord(nested nestedEnvelope) (messageRecord, bool) {
	if len(nested.Data.Data.Messages) > 0 {
		return nested.Data.Data.Messages[0], true
	}
	if len(nested.Messages) > 0 {
		return nested.Messages[0], true
	}
	return messageRecord{}, false
}

func extractPhone(record messageRecord, flat flatEnvelope, generic map[string]any) string {
	// 1) Canonical JIDs.
	for _, candidate := range []string{
		record.Key.RemoteJid,
		record.RemoteJid,
		flat.Chat.ChatID,
		flat.Chat.RemoteJid,
		flat.Key.RemoteJid,
	} {
		if phone := phoneFromJID(candidate); phone != "" {
			return phone
		}
	}

	// 2) Group chats carry the sender under participant/author.
	if isGroupJID(record.Key.RemoteJid) || isGroupJID(record.RemoteJid) {
		for _, candidate := range []string{record.Key.Participant, flat.Participant, flat.Author} {
			if phone := phoneFromJID(candidate); phone != "" {
				return phone
			}
		}
	}

	// 3) Simple top-level fields.
	for _, raw := range []json.RawMessage{flat.ChatID, flat.From, flat.Phone, flat.Number} {
		value := rawString(raw)
		if phone := phoneFromJID(value); phone != "" {
			return phone
		}
		if digits := onlyDigits(value); len(digits) >= minPhoneDigits {
			return digits
		}
	}

	// 4) chat.id only when it carries a JID suffix; bare alphanumeric ids
	// are not phone numbers.
	if phone := phoneFromJID(flat.Chat.ID); phone != "" {
		return phone
	}

	// 5) Last resort: scan the whole document.
	return scanForPhone(generic)
}

// phoneFromJID accepts "<digits>@s.whatsapp.net", "<digits>@c.us", or a bare
// string with at least ten digits. Group JIDs are rejected.
func phoneFromJID(value string) string {
	v := strings.TrimSpace(value)
	if v == "" || strings.Contains(v, groupJIDSuffix) {
		return ""
	}
	for _, suffix := range userJIDSuffixes {
		if strings.Contains(v, suffix) {
			digits := onlyDigits(strings.SplitN(v, "@", 2)[0])
			if len(digits) >= minPhoneDigits {
				return digits
			}
			return ""
		}
	}
	digits := onlyDigits(v)
	if len(digits) >= minPhoneDigits && digits == strings.TrimPrefix(v, "+") {
		return digits
	}
	return ""
}

func isGroupJID(value string) bool {
	return strings.Contains(value, groupJIDSuffix)
}

// scanForPhone walks the decoded document for phone-like strings, preferring
// ones with a recognizable chat suffix over bare digit runs.
func scanForPhone(node any) string {
	var plain string
	var suffixed string

	var walk func(any)
	walk = func(x any) {
		if suffixed != "" {
			return
		}
		switch value := x.(type) {
		case map[string]any:
			for _, v := range value {
				walk(v)
			}
		case []any:
			for _, v := range value {
				walk(v)
			}
		case string:
			for _, suffix := range userJIDSuffixes {
				if strings.Contains(value, suffix) {
					digits := onlyDigits(strings.SplitN(value, "@", 2)[0])
					if len(digits) >= minPhoneDigits {
						suffixed = digits
						return
					}
				}
			}
			if plain == "" {
				if m := phonePattern.FindStringSubmatch(value); m != nil {
					plain = onlyDigits(m[1])
				}
			}
		}
	}
	walk(node)

	if suffixed != "" {
		return suffixed
	}
	return plain
}

func extractText(record messageRecord, hasRecord bool, nested nestedEnvelope, flat flatEnvelope, generic map[string]any) string {
	if hasRecord {
		for _, candidate := range []string{
			record.Message.Conversation,
			record.Message.ExtendedTextMessage.Text,
			record.Message.ButtonsResponseMessage.SelectedDisplayText,
			record.Message.ListResponseMessage.Title,
		} {
			if text := strings.TrimSpace(candidate); text != "" {
				return text
			}
		}
	}
	for _, raw := range []json.RawMessage{
		nested.Data.Text, nested.Data.Message, nested.Data.Body,
		flat.Text, flat.Message, flat.Body, flat.Content, flat.Caption,
	} {
		if text := strings.TrimSpace(rawString(raw)); text != "" {
			return text
		}
	}
	return scanForText(generic)
}

// scanForText is the compatibility fallback: any string value under an
// allow-listed key, depth first.
func scanForText(node any) string {
	switch value := node.(type) {
	case map[string]any:
		for k, v := range value {
			if s, ok := v.(string); ok {
				if _, allowed := textScanKeys[strings.ToLower(k)]; allowed && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
		for _, v := range value {
			if found := scanForText(v); found != "" {
				return found
			}
		}
	case []any:
		for _, v := range value {
			if found := scanForText(v); found != "" {
				return found
			}
		}
	}
	return ""
}

func classifyKind(record messageRecord, hasRecord bool, flat flatEnvelope, text string) contact.Kind {
	if text != "" {
		return contact.KindText
	}
	if hasRecord {
		switch {
		case rawPresent(record.Message.ImageMessage):
			return contact.KindImage
		case rawPresent(record.Message.VideoMessage):
			return contact.KindVideo
		case rawPresent(record.Message.AudioMessage):
			return contact.KindAudio
		case rawPresent(record.Message.DocumentMessage):
			return contact.KindDocument
		}
	}
	switch {
	case rawPresent(flat.Image):
		return contact.KindImage
	case rawPresent(flat.Video):
		return contact.KindVideo
	case rawPresent(flat.Audio):
		return contact.KindAudio
	case rawPresent(flat.Document):
		return contact.KindDocument
	}
	return contact.KindUnknown
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rawString coerces a raw JSON scalar to a string; numbers keep their
// literal form, everything else is empty.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func rawPresent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null" && trimmed != "false" && trimmed != `""` && trimmed != "{}"
}
