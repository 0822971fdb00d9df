package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Tokenizer is a minimal HF-compatible ByteLevel BPE tokenizer loaded from a
// model directory's tokenizer.json. It exposes the vocabulary surface the
// rollout needs (per-token decoding, string lookup, special ids) plus
// encoding for CLI prompts.
type Tokenizer struct {
	vocab      map[string]int // raw token form -> id
	entries    map[string]int // decoded token form -> id
	idToToken  []string       // raw token forms
	mergesRank map[[2]string]int

	byteEncoder map[byte]rune
	byteDecoder map[rune]byte

	added          map[string]int
	addedSorted    []string
	addPrefixSpace bool
	pattern        *regexp.Regexp
	bpeCache       map[string][]string

	eosID int
	padID int
	unkID int
}

type tokenizerFile struct {
	Model struct {
		Type     string            `json:"type"`
		Vocab    map[string]int    `json:"vocab"`
		Merges   []json.RawMessage `json:"merges"`
		UnkToken string            `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type           string `json:"type"`
		AddPrefixSpace bool   `json:"add_prefix_space"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// Load reads tokenizer.json and config.json from a model directory.
func Load(modelPath string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(modelPath, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}

	var cfg tokenizerFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(cfg.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model type: %s", cfg.Model.Type)
	}

	t := &Tokenizer{
		vocab:          make(map[string]int, len(cfg.Model.Vocab)+len(cfg.AddedTokens)),
		mergesRank:     parseMerges(cfg.Model.Merges),
		added:          make(map[string]int, len(cfg.AddedTokens)),
		addPrefixSpace: cfg.PreTokenizer.Type == "ByteLevel" && cfg.PreTokenizer.AddPrefixSpace,
		bpeCache:       make(map[string][]string),
		eosID:          -1,
		padID:          -1,
		unkID:          -1,
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()

	for tok, id := range cfg.Model.Vocab {
		t.vocab[tok] = id
	}
	for _, a := range cfg.AddedTokens {
		t.vocab[a.Content] = a.ID
		t.added[a.Content] = a.ID
		t.addedSorted = append(t.addedSorted, a.Content)
	}
	// Greedy longest-match over added tokens during encoding.
	sort.Slice(t.addedSorted, func(i, j int) bool { return len(t.addedSorted[i]) > len(t.addedSorted[j]) })

	maxID := -1
	for _, id := range t.vocab {
		if id > maxID {
			maxID = id
		}
	}
	t.idToToken = make([]string, maxID+1)
	for tok, id := range t.vocab {
		if id >= 0 && id < len(t.idToToken) {
			t.idToToken[id] = tok
		}
	}

	t.entries = make(map[string]int, len(t.vocab))
	for tok, id := range t.vocab {
		t.entries[t.decodeRaw(tok)] = id
	}

	if cfg.Model.UnkToken != "" {
		if id, ok := cfg.Model.Vocab[cfg.Model.UnkToken]; ok {
			t.unkID = id
		}
	} else if id, ok := cfg.Model.Vocab["<unk>"]; ok {
		t.unkID = id
	}

	t.loadSpecialIDs(modelPath)

	// GPT-2 ByteLevel pretokenizer split.
	t.pattern = regexp.MustCompile(`(?i)'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	return t, nil
}

func parseMerges(raw []json.RawMessage) map[[2]string]int {
	ranks := make(map[[2]string]int, len(raw))
	for i, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			parts := strings.SplitN(s, " ", 2)
			if len(parts) == 2 {
				ranks[[2]string{parts[0], parts[1]}] = i
			}
			continue
		}
		var pair []string
		if json.Unmarshal(r, &pair) == nil && len(pair) == 2 {
			ranks[[2]string{pair[0], pair[1]}] = i
		}
	}
	return ranks
}

// loadSpecialIDs picks eos and pad token ids out of config.json when present.
func (t *Tokenizer) loadSpecialIDs(modelPath string) {
	data, err := os.ReadFile(filepath.Join(modelPath, "config.json"))
	if err != nil {
		return
	}
	var mc map[string]interface{}
	if json.Unmarshal(data, &mc) != nil {
		return
	}
	if v, ok := mc["eos_token_id"].(float64); ok {
		t.eosID = int(v)
	}
	if v, ok := mc["pad_token_id"].(float64); ok {
		t.padID = int(v)
	}
	if t.padID < 0 {
		t.padID = t.eosID
	}
}

// Decode returns the byte-decoded string form of a single token id.
func (t *Tokenizer) Decode(id int) string {
	if id < 0 || id >= len(t.idToToken) {
		return ""
	}
	return t.decodeRaw(t.idToToken[id])
}

func (t *Tokenizer) decodeRaw(tok string) string {
	buf := make([]byte, 0, len(tok))
	for _, r := range tok {
		if b, ok := t.byteDecoder[r]; ok {
			buf = append(buf, b)
		} else {
			var tmp [4]byte
			n := utf8.EncodeRune(tmp[:], r)
			buf = append(buf, tmp[:n]...)
		}
	}
	return string(buf)
}

// DecodeIDs concatenates the decoded forms of several token ids.
func (t *Tokenizer) DecodeIDs(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.Decode(id))
	}
	return sb.String()
}

// LookupID maps a decoded token string to its id.
func (t *Tokenizer) LookupID(token string) (int, bool) {
	id, ok := t.entries[token]
	return id, ok
}

// Entries returns the vocabulary as decoded string -> id.
func (t *Tokenizer) Entries() map[string]int { return t.entries }

// EOSID returns the end-of-sequence token id, -1 when unknown.
func (t *Tokenizer) EOSID() int { return t.eosID }

// PadID returns the padding token id, falling back to the eos id.
func (t *Tokenizer) PadID() int { return t.padID }

// VocabSize returns the number of token ids.
func (t *Tokenizer) VocabSize() int { return len(t.idToToken) }

// Encode runs ByteLevel pretokenization plus BPE over the text. Added tokens
// are matched greedily before BPE sees the surrounding text.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addPrefixSpace && len(text) > 0 && text[0] != ' ' {
		text = " " + text
	}

	pos := 0
	for pos < len(text) {
		if tok, ok := t.matchAdded(text[pos:]); ok {
			ids = append(ids, t.added[tok])
			pos += len(tok)
			continue
		}

		next := len(text)
		for _, tok := range t.addedSorted {
			if i := strings.Index(text[pos:], tok); i >= 0 && pos+i < next {
				next = pos + i
			}
		}

		for _, word := range t.pattern.FindAllString(text[pos:next], -1) {
			if word == "" {
				continue
			}
			ids = append(ids, t.encodeWord(word)...)
		}
		pos = next
	}
	return ids, nil
}

func (t *Tokenizer) matchAdded(s string) (string, bool) {
	for _, tok := range t.addedSorted {
		if strings.HasPrefix(s, tok) {
			return tok, true
		}
	}
	return "", false
}

func (t *Tokenizer) encodeWord(word string) []int {
	var sb strings.Builder
	sb.Grow(len(word))
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteEncoder[b])
	}
	token := sb.String()

	pieces, ok := t.bpeCache[token]
	if !ok {
		pieces = t.applyBPE(token)
		t.bpeCache[token] = pieces
	}

	out := make([]int, 0, len(pieces))
	for _, p := range pieces {
		if id, ok := t.vocab[p]; ok {
			out = append(out, id)
		} else if t.unkID >= 0 {
			out = append(out, t.unkID)
		}
	}
	return out
}

func (t *Tokenizer) applyBPE(token string) []string {
	symbols := make([]string, 0, len(token))
	for _, r := range token {
		symbols = append(symbols, string(r))
	}

	for len(symbols) > 1 {
		bestRank := int(^uint(0) >> 1)
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if r, ok := t.mergesRank[[2]string{symbols[i], symbols[i+1]}]; ok && r < bestRank {
				bestRank = r
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}

		merged := make([]string, 0, len(symbols)-1)
		merged = append(merged, symbols[:bestIdx]...)
		merged = append(merged, symbols[bestIdx]+symbols[bestIdx+1])
		merged = append(merged, symbols[bestIdx+2:]...)
		symbols = merged
	}
	return symbols
}

// bytesToUnicode constructs the byte<->unicode mapping of GPT-2 byte-level
// BPE.
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	var bs []int
	for i := 33; i <= 126; i++ {
		bs = append(bs, i)
	}
	for i := 161; i <= 172; i++ {
		bs = append(bs, i)
	}
	for i := 174; i <= 255; i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := 0; b < 256; b++ {
		seen := false
		for _, v := range bs {
			if v == b {
				seen = true
				break
			}
		}
		if !seen {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	enc := make(map[byte]rune, 256)
	dec := make(map[rune]byte, 256)
	for i, b := range bs {
		enc[byte(b)] = rune(cs[i])
		dec[rune(cs[i])] = byte(b)
	}
	return enc, dec
}
