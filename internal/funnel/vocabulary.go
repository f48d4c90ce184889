package funnel

import "strings"

// Interpreter classifies free-form replies. Loose natural-language matching
// by intent, replaceable per deployment language.
type Interpreter interface {
	Affirmative(text string) bool
	Negative(text string) bool
	WantsNow(text string) bool
	WantsLater(text string) bool
	// Format recognizes a video-format answer ("era 3D", "quero um
	// institucional") and returns its canonical name.
	Format(text string) (string, bool)
}

// Portuguese is the default Brazilian-Portuguese interpreter. Matching is
// accent-insensitive: whole words for short tokens, substrings for phrases.
type Portuguese struct{}

func NewPortuguese() Portuguese { return Portuguese{} }

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "ã", "a", "â", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "õ", "o", "ô", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
)

func foldText(text string) string {
	return accentFolder.Replace(strings.ToLower(strings.TrimSpace(text)))
}

var (
	affirmativeWords = []string{"sim", "quero", "pode", "claro", "bora", "vamos", "aceito", "ok", "beleza", "manda", "show", "top"}
	affirmativePhras = []string{"com certeza", "pode ser", "isso mesmo", "quero sim", "vamos la"}

	negativeWords = []string{"nao", "dispenso", "pare", "obrigado", "obrigada"}
	negativePhras = []string{"sem interesse", "nao quero", "agora nao", "deixa pra la", "nao precisa"}

	nowWords = []string{"agora", "ja", "hoje", "sim", "imediato"}
	nowPhras = []string{"pode ser agora", "neste momento", "o quanto antes", "agora mesmo"}

	laterWords = []string{"depois", "amanha"}
	laterPhras = []string{"mais tarde", "outro dia", "outra hora", "semana que vem", "me chama depois", "daqui a pouco"}
)

func (Portuguese) Affirmative(text string) bool {
	t := foldText(text)
	if hasNegation(t) {
		return false
	}
	return matchesAny(t, affirmativeWords, affirmativePhras)
}

func (Portuguese) Negative(text string) bool {
	t := foldText(text)
	return matchesAny(t, negativeWords, negativePhras)
}

func (Portuguese) WantsNow(text string) bool {
	t := foldText(text)
	if hasNegation(t) {
		return false
	}
	return matchesAny(t, nowWords, nowPhras)
}

func (Portuguese) WantsLater(text string) bool {
	return matchesAny(foldText(text), laterWords, laterPhras)
}

// formatRules canonicalizes free-form video-format answers so the funnel
// does not re-ask when the human already answered with a variation.
type formatRule struct {
	canonical string
	words     []string
	phrases   []string
}

var formatRules = []formatRule{
	{"institucional", []string{"institucional"}, nil},
	{"3d/ia", []string{"3d"}, []string{"3 d", "3-d", "3d/ia", "ia 3d", "3d ia", "animacao 3d"}},
	{"produto", []string{"produto", "produtos"}, []string{"video de produto", "apresentacao de produto"}},
	{"educativo", []string{"educativo", "tutorial", "tutoriais", "aula", "aulas", "treinamento"}, nil},
	{"convite", []string{"convite", "convites"}, []string{"convite digital"}},
	{"homenagem", []string{"homenagem", "homenagens", "tributo"}, nil},
}

func (Portuguese) Format(text string) (string, bool) {
	t := foldText(text)
	for _, rule := range formatRules {
		if matchesAny(t, rule.words, rule.phrases) {
			return rule.canonical, true
		}
	}
	return "", false
}

func hasNegation(folded string) bool {
	for _, token := range tokenize(folded) {
		if token == "nao" || token == "nunca" || token == "jamais" {
			return true
		}
	}
	return false
}

func matchesAny(folded string, words, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	tokens := tokenize(folded)
	for _, token := range tokens {
		for _, word := range words {
			if token == word {
				return true
			}
		}
	}
	return false
}

func tokenize(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}
