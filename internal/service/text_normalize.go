package service

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// negationTokens nunca se eliminan como filler aunque un template los liste.
var negationTokens = map[string]struct{}{
	"no": {}, "not": {}, "never": {}, "dont": {}, "doesnt": {}, "didnt": {},
	"cant": {}, "cannot": {}, "wont": {}, "isnt": {}, "arent": {}, "wasnt": {},
	"nothing": {}, "none": {}, "without": {},
}

// NormalizeText pasa a minusculas, quita diacriticos y puntuacion y colapsa espacios.
// Los apostrofes se eliminan sin separar ("don't" -> "dont"); "¿Cuál?" -> "cual".
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range norm.NFD.String(strings.ToLower(s)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

type synonymAlias struct {
	alias []rune
	term  string
}

// NLPConfig es el Effective NLP Config de una categoria: fillers y sinonimos ya mergeados.
// Se construye una vez por build del pool y es inmutable.
type NLPConfig struct {
	fillers       map[string]struct{}
	fillerPhrases [][]string
	// aliases indexados por primera runa, mas largo primero.
	aliases map[rune][]synonymAlias
	// Para inspeccion y tests.
	FillerWords []string
	Synonyms    map[string][]string
}

// nlpBuilder acumula fillers y sinonimos de template y categoria para una clave de categoria.
type nlpBuilder struct {
	fillers  map[string]struct{}
	synonyms map[string]map[string]struct{}
}

func newNLPBuilder() *nlpBuilder {
	return &nlpBuilder{
		fillers:  make(map[string]struct{}),
		synonyms: make(map[string]map[string]struct{}),
	}
}

func (b *nlpBuilder) addFillers(words []string) {
	for _, w := range words {
		n := NormalizeText(w)
		if n == "" {
			continue
		}
		b.fillers[n] = struct{}{}
	}
}

func (b *nlpBuilder) addSynonyms(m map[string][]string) {
	for term, aliases := range m {
		t := strings.TrimSpace(strings.ToLower(term))
		if t == "" {
			continue
		}
		set, ok := b.synonyms[t]
		if !ok {
			set = make(map[string]struct{})
			b.synonyms[t] = set
		}
		for _, a := range aliases {
			a = strings.TrimSpace(strings.ToLower(a))
			if a == "" || a == t {
				continue
			}
			set[a] = struct{}{}
		}
	}
}

// build produce el NLPConfig; devuelve tambien los fillers descartados por ser negaciones.
func (b *nlpBuilder) build() (*NLPConfig, []string) {
	cfg := &NLPConfig{
		fillers:  make(map[string]struct{}),
		aliases:  make(map[rune][]synonymAlias),
		Synonyms: make(map[string][]string, len(b.synonyms)),
	}

	var rejected []string
	for f := range b.fillers {
		tokens := strings.Fields(f)
		if hasNegation(tokens) {
			rejected = append(rejected, f)
			continue
		}
		cfg.FillerWords = append(cfg.FillerWords, f)
		if len(tokens) == 1 {
			cfg.fillers[f] = struct{}{}
		} else {
			cfg.fillerPhrases = append(cfg.fillerPhrases, tokens)
		}
	}
	sort.Strings(cfg.FillerWords)
	sort.Strings(rejected)
	sort.Slice(cfg.fillerPhrases, func(i, j int) bool {
		return len(cfg.fillerPhrases[i]) > len(cfg.fillerPhrases[j])
	})

	for term, set := range b.synonyms {
		list := make([]string, 0, len(set))
		for a := range set {
			list = append(list, a)
			r := []rune(a)
			cfg.aliases[r[0]] = append(cfg.aliases[r[0]], synonymAlias{alias: r, term: term})
		}
		sort.Strings(list)
		cfg.Synonyms[term] = list
	}
	for k := range cfg.aliases {
		group := cfg.aliases[k]
		sort.Slice(group, func(i, j int) bool {
			if len(group[i].alias) != len(group[j].alias) {
				return len(group[i].alias) > len(group[j].alias)
			}
			return string(group[i].alias) < string(group[j].alias)
		})
	}
	return cfg, rejected
}

func hasNegation(tokens []string) bool {
	for _, t := range tokens {
		if _, ok := negationTokens[t]; ok {
			return true
		}
	}
	return false
}

// Translate reemplaza aliases coloquiales por el termino tecnico, en una sola pasada
// y probando el alias mas largo primero en cada posicion.
func (c *NLPConfig) Translate(s string) string {
	if c == nil || len(c.aliases) == 0 {
		return s
	}
	in := []rune(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(in); {
		if i == 0 || !isWordRune(in[i-1]) {
			if n, term, ok := c.aliasAt(in, i); ok {
				b.WriteString(term)
				i += n
				continue
			}
		}
		b.WriteRune(in[i])
		i++
	}
	return b.String()
}

func (c *NLPConfig) aliasAt(in []rune, i int) (int, string, bool) {
	for _, a := range c.aliases[in[i]] {
		end := i + len(a.alias)
		if end > len(in) {
			continue
		}
		if string(in[i:end]) != string(a.alias) {
			continue
		}
		if end < len(in) && isWordRune(in[end]) {
			continue
		}
		return len(a.alias), a.term, true
	}
	return 0, "", false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// StripFillers elimina fillers de un texto ya normalizado.
func (c *NLPConfig) StripFillers(normalized string) string {
	tokens := strings.Fields(normalized)
	if c == nil || (len(c.fillers) == 0 && len(c.fillerPhrases) == 0) {
		return strings.Join(tokens, " ")
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		if n := c.phraseAt(tokens, i); n > 0 {
			i += n
			continue
		}
		if _, ok := c.fillers[tokens[i]]; !ok {
			out = append(out, tokens[i])
		}
		i++
	}
	return strings.Join(out, " ")
}

func (c *NLPConfig) phraseAt(tokens []string, i int) int {
	for _, p := range c.fillerPhrases {
		if i+len(p) > len(tokens) {
			continue
		}
		match := true
		for j, t := range p {
			if tokens[i+j] != t {
				match = false
				break
			}
		}
		if match {
			return len(p)
		}
	}
	return 0
}

// Prepare aplica el pipeline completo: sinonimos, normalizacion y fillers.
func (c *NLPConfig) Prepare(utterance string) string {
	return c.StripFillers(NormalizeText(c.Translate(utterance)))
}
