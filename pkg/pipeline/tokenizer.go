package pipeline

import "unicode"

// Tokenize splits text into tokens on whitespace, separating punctuation
// runes into their own tokens. Offsets are byte offsets into the original
// text so pieces can be aligned back to tokens later.
func Tokenize(text string) []Token {
	var tokens []Token
	start := -1

	flush := func(end int) {
		if start < 0 {
			return
		}
		tokens = append(tokens, newToken(text[start:end], start, end))
		start = -1
	}

	for idx, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(idx)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(idx)
			end := idx + len(string(r))
			tokens = append(tokens, newToken(text[idx:end], idx, end))
		default:
			if start < 0 {
				start = idx
			}
		}
	}
	flush(len(text))

	return tokens
}

func newToken(text string, start, end int) Token {
	return Token{
		Text:  text,
		Start: start,
		End:   end,
		Hash:  HashString(text),
	}
}
