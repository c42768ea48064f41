package redact

import (
	"context"
	"image"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Word is a single OCR token with its pixel bounds on the page image.
// Words sharing a Line value were read as one text line. Line is a hint:
// GroupLines still splits a group into rows by vertical position, so
// detectors that cannot report lines may leave it zero.
type Word struct {
	Text       string
	Bounds     image.Rectangle
	Line       int
	Confidence float64
}

// Finding is one detected entity occurrence and the area to mask.
type Finding struct {
	Entity Entity
	Text   string
	Bounds image.Rectangle
}

// Line is a run of words joined with single spaces. Spans holds the
// [start, end) byte offsets of each word inside Text.
type Line struct {
	Text  string
	Words []Word
	Spans [][2]int
}

// Recognizer locates occurrences of one entity within the lines of a page.
type Recognizer interface {
	Entity() Entity
	Recognize(ctx context.Context, lines []Line) ([]Finding, error)
}

// GroupLines orders words into lines. Words are first grouped by their Line
// value, in order of first appearance; each group is then split into rows
// of vertically overlapping words, top to bottom, and every row is sorted
// left to right.
func GroupLines(words []Word) []Line {
	index := make(map[int]int)
	var grouped [][]Word
	for _, w := range words {
		if strings.TrimSpace(w.Text) == "" {
			continue
		}
		i, ok := index[w.Line]
		if !ok {
			i = len(grouped)
			index[w.Line] = i
			grouped = append(grouped, nil)
		}
		grouped[i] = append(grouped[i], w)
	}

	var lines []Line
	for _, group := range grouped {
		for _, ws := range splitRows(group) {
			lines = append(lines, newLine(ws))
		}
	}
	return lines
}

// splitRows clusters words whose vertical centre falls inside the vertical
// extent of the row being built.
func splitRows(words []Word) [][]Word {
	sorted := append([]Word(nil), words...)
	sort.SliceStable(sorted, func(a, b int) bool { return midY(sorted[a].Bounds) < midY(sorted[b].Bounds) })

	var rows [][]Word
	var top, bottom int
	for _, w := range sorted {
		y := midY(w.Bounds)
		if len(rows) > 0 && y >= top && y <= bottom {
			rows[len(rows)-1] = append(rows[len(rows)-1], w)
			top = min(top, w.Bounds.Min.Y)
			bottom = max(bottom, w.Bounds.Max.Y)
			continue
		}
		rows = append(rows, []Word{w})
		top, bottom = w.Bounds.Min.Y, w.Bounds.Max.Y
	}
	return rows
}

func midY(r image.Rectangle) int { return (r.Min.Y + r.Max.Y) / 2 }

func newLine(ws []Word) Line {
	sort.SliceStable(ws, func(a, b int) bool { return ws[a].Bounds.Min.X < ws[b].Bounds.Min.X })
	var sb strings.Builder
	spans := make([][2]int, len(ws))
	for i, w := range ws {
		if i > 0 {
			sb.WriteByte(' ')
		}
		start := sb.Len()
		sb.WriteString(w.Text)
		spans[i] = [2]int{start, sb.Len()}
	}
	return Line{Text: sb.String(), Words: ws, Spans: spans}
}

// BoundsFor returns the union of the boxes of every word overlapping the
// byte range [start, end) of the line text.
func (l Line) BoundsFor(start, end int) (image.Rectangle, bool) {
	var r image.Rectangle
	found := false
	for i, sp := range l.Spans {
		if sp[1] <= start || sp[0] >= end {
			continue
		}
		if !found {
			r = l.Words[i].Bounds
			found = true
			continue
		}
		r = r.Union(l.Words[i].Bounds)
	}
	return r, found
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
	// Bare domains need a lower-case TLD so names like ASP.NET or Socket.IO
	// are not taken for hosts.
	urlPattern   = regexp.MustCompile(`(?i:\bhttps?://|\bwww\.)\S+|\b(?:[A-Za-z0-9\-]+\.)+(?:com|org|net|io|dev|edu|gov|me|co|ai|app|info|biz|us|uk|de|fr|ca|in)\b(?:/\S*)?`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{2,4}\)|\d{2,4})[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}`)
	digitGroup   = regexp.MustCompile(`\d+`)
	yearPattern  = regexp.MustCompile(`^(?:19|20)\d{2}$`)
)

// PatternRecognizer matches a regular expression against each line.
type PatternRecognizer struct {
	entity Entity
	re     *regexp.Regexp
	accept func(match string) bool
}

func NewEmailRecognizer() *PatternRecognizer {
	return &PatternRecognizer{entity: EmailAddress, re: emailPattern}
}

func NewURLRecognizer() *PatternRecognizer {
	return &PatternRecognizer{entity: URL, re: urlPattern}
}

// NewPhoneRecognizer matches phone-like digit groups holding 7 to 15 digits.
// Runs made only of years, such as "2015 2016 2017", are skipped.
func NewPhoneRecognizer() *PatternRecognizer {
	return &PatternRecognizer{entity: PhoneNumber, re: phonePattern, accept: func(m string) bool {
		n := 0
		for _, r := range m {
			if unicode.IsDigit(r) {
				n++
			}
		}
		return n >= 7 && n <= 15 && !onlyYears(m)
	}}
}

func onlyYears(m string) bool {
	for _, g := range digitGroup.FindAllString(m, -1) {
		if !yearPattern.MatchString(g) {
			return false
		}
	}
	return true
}

func (p *PatternRecognizer) Entity() Entity { return p.entity }

func (p *PatternRecognizer) Recognize(ctx context.Context, lines []Line) ([]Finding, error) {
	var out []Finding
	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range p.re.FindAllStringIndex(l.Text, -1) {
			match := l.Text[loc[0]:loc[1]]
			if p.accept != nil && !p.accept(match) {
				continue
			}
			if r, ok := l.BoundsFor(loc[0], loc[1]); ok {
				out = append(out, Finding{Entity: p.entity, Text: match, Bounds: r})
			}
		}
	}
	return out, nil
}

var (
	titleWord = regexp.MustCompile(`^[A-Z][a-z]+(?:[-'’][A-Z]?[a-z]+)?\.?$`)
	upperWord = regexp.MustCompile(`^[A-Z]{2,}(?:[-'’][A-Z]+)?$`)
)

// sectionWords are words that show up in resume headings written in title
// case. A line containing any of them is not treated as a name.
var sectionWords = map[string]bool{
	"about": true, "achievements": true, "activities": true, "and": true,
	"awards": true, "certifications": true, "contact": true, "courses": true,
	"curriculum": true, "details": true, "education": true, "employment": true,
	"experience": true, "history": true, "hobbies": true, "information": true,
	"interests": true, "languages": true, "objective": true, "of": true,
	"personal": true, "professional": true, "profile": true, "projects": true,
	"publications": true, "qualifications": true, "references": true,
	"resume": true, "skills": true, "summary": true, "technical": true,
	"the": true, "vitae": true, "volunteer": true, "work": true,
}

// roleWords mark job titles, employers and schools, which share the
// capitalised shape of a name.
var roleWords = map[string]bool{
	"academy": true, "accountant": true, "administrator": true, "analyst": true,
	"architect": true, "assistant": true, "associate": true, "bachelor": true,
	"bank": true, "college": true, "company": true, "consultant": true,
	"consulting": true, "coordinator": true, "corp": true, "corporation": true,
	"department": true, "designer": true, "developer": true, "director": true,
	"engineer": true, "engineering": true, "executive": true, "group": true,
	"head": true, "hospital": true, "inc": true, "institute": true,
	"intern": true, "junior": true, "labs": true, "lead": true, "llc": true,
	"ltd": true, "manager": true, "master": true, "officer": true,
	"partners": true, "president": true, "principal": true, "product": true,
	"school": true, "science": true, "scientist": true, "senior": true,
	"services": true, "software": true, "solutions": true, "specialist": true,
	"staff": true, "systems": true, "team": true, "technologies": true,
	"technology": true, "university": true,
}

// nameSearchLines is how far down a page the heading name is looked for.
const nameSearchLines = 6

// HeuristicNameRecognizer takes the first line near the top of the page
// made of two to four capitalised words, the way a name is set at the head
// of a resume, and flags that name wherever it appears on the page.
type HeuristicNameRecognizer struct{}

func NewHeuristicNameRecognizer() *HeuristicNameRecognizer { return &HeuristicNameRecognizer{} }

func (h *HeuristicNameRecognizer) Entity() Entity { return Person }

func (h *HeuristicNameRecognizer) Recognize(ctx context.Context, lines []Line) ([]Finding, error) {
	for _, l := range lines[:min(len(lines), nameSearchLines)] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(l.Words) < 2 || len(l.Words) > 4 {
			continue
		}
		if looksLikeName(l.Words) {
			return MatchPhrases(Person, []string{l.Text}, lines), nil
		}
	}
	return nil, nil
}

func looksLikeName(words []Word) bool {
	for _, w := range words {
		key := strings.ToLower(strings.TrimSuffix(w.Text, "."))
		if sectionWords[key] || roleWords[key] {
			return false
		}
		if !titleWord.MatchString(w.Text) && !upperWord.MatchString(w.Text) {
			return false
		}
	}
	return true
}

// MatchPhrases finds each phrase as a whole-word token sequence in the
// lines, case-insensitively, and reports it as entity e. Recognizers backed
// by an external model use it to map returned text back onto word boxes.
func MatchPhrases(e Entity, phrases []string, lines []Line) []Finding {
	var out []Finding
	for _, phrase := range phrases {
		tokens := strings.Fields(strings.ToLower(phrase))
		if len(tokens) == 0 {
			continue
		}
		for _, l := range lines {
			for i := 0; i+len(tokens) <= len(l.Words); i++ {
				if !tokensMatch(l.Words[i:i+len(tokens)], tokens) {
					continue
				}
				r := l.Words[i].Bounds
				for _, w := range l.Words[i+1 : i+len(tokens)] {
					r = r.Union(w.Bounds)
				}
				out = append(out, Finding{Entity: e, Text: phrase, Bounds: r})
			}
		}
	}
	return out
}

func tokensMatch(words []Word, tokens []string) bool {
	for i, w := range words {
		if normalizeToken(w.Text) != normalizeToken(tokens[i]) {
			return false
		}
	}
	return true
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '-' && r != '\''
	}))
}

// DefaultRecognizers returns the built-in recognizers for every entity.
func DefaultRecognizers() []Recognizer {
	return []Recognizer{
		NewHeuristicNameRecognizer(),
		NewEmailRecognizer(),
		NewPhoneRecognizer(),
		NewURLRecognizer(),
	}
}
