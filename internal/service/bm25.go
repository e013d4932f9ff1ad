package service

import (
	"math"
	"strings"
)

// Constantes BM25 estandar (Robertson et al.).
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type bm25Doc struct {
	owner int // indice del escenario en el pool
	tf    map[string]int
	len   int
	// self es el score del documento contra si mismo; normaliza a [0,1].
	self float64
}

// bm25Index es un indice invertido sobre triggers y nombres de escenarios.
// Cada trigger es un documento propio; un escenario puntua con el mejor de sus documentos.
// Inmutable despues de buildBM25Index.
type bm25Index struct {
	docs   []bm25Doc
	byOwn  map[int][]int
	idf    map[string]float64
	avgLen float64
}

type bm25Source struct {
	owner int
	text  string
}

func buildBM25Index(sources []bm25Source) *bm25Index {
	idx := &bm25Index{
		byOwn: make(map[int][]int),
		idf:   make(map[string]float64),
	}
	if len(sources) == 0 {
		return idx
	}

	df := make(map[string]int)
	total := 0
	for _, src := range sources {
		tokens := strings.Fields(src.text)
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			df[t]++
		}
		idx.byOwn[src.owner] = append(idx.byOwn[src.owner], len(idx.docs))
		idx.docs = append(idx.docs, bm25Doc{owner: src.owner, tf: tf, len: len(tokens)})
		total += len(tokens)
	}
	if len(idx.docs) == 0 {
		return idx
	}

	n := len(idx.docs)
	idx.avgLen = float64(total) / float64(n)
	// Suavizado estilo Lucene: idf >= 1 siempre.
	for term, freq := range df {
		idx.idf[term] = math.Log(float64(n+1)/float64(freq+1)) + 1.0
	}
	for i := range idx.docs {
		d := &idx.docs[i]
		terms := make([]string, 0, len(d.tf))
		for t := range d.tf {
			terms = append(terms, t)
		}
		d.self = idx.scoreDoc(d, terms)
	}
	return idx
}

func (idx *bm25Index) scoreDoc(d *bm25Doc, terms []string) float64 {
	if d.len == 0 || idx.avgLen == 0 {
		return 0
	}
	norm := bm25K1 * (1 - bm25B + bm25B*float64(d.len)/idx.avgLen)
	score := 0.0
	for _, t := range terms {
		f, ok := d.tf[t]
		if !ok {
			continue
		}
		tf := float64(f)
		score += idx.idf[t] * (tf * (bm25K1 + 1)) / (tf + norm)
	}
	return score
}

// relevance devuelve la mejor cobertura normalizada [0,1] de los documentos del escenario.
func (idx *bm25Index) relevance(owner int, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	best := 0.0
	for _, di := range idx.byOwn[owner] {
		d := &idx.docs[di]
		if d.self <= 0 {
			continue
		}
		r := idx.scoreDoc(d, terms) / d.self
		if r > best {
			best = r
		}
	}
	return math.Min(best, 1)
}

// queryTerms deduplica tokens de un texto ya preparado.
func queryTerms(prepared string) []string {
	fields := strings.Fields(prepared)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
