package gateway

import "bytes"

var (
	headCloseTag = []byte("</head>")
	bodyOpenTag  = []byte("<body")
	bodyCloseTag = []byte("</body>")
)

// insertBeforeHeadClose inserts insertion before the first </head>
// (case-insensitive). If none is found, it inserts right after the
// opening <body ...> tag. If there is no body tag either, it prepends
// insertion to shell.
func insertBeforeHeadClose(shell, insertion []byte) []byte {
	if idx := indexFold(shell, headCloseTag); idx >= 0 {
		return splice(shell, idx, insertion)
	}
	if idx := bodyTagEnd(shell); idx >= 0 {
		return splice(shell, idx, insertion)
	}
	out := make([]byte, 0, len(insertion)+len(shell))
	out = append(out, insertion...)
	out = append(out, shell...)
	return out
}

// splitAtBodyClose splits shell into the bytes before the first
// </body> and the bytes from there on (</body> itself belongs to the
// post half). If no </body> is present, all of shell is the pre-body
// half and the post-body half is empty.
func splitAtBodyClose(shell []byte) (pre, post []byte) {
	idx := indexFold(shell, bodyCloseTag)
	if idx < 0 {
		return shell, nil
	}
	return shell[:idx], shell[idx:]
}

func splice(shell []byte, at int, insertion []byte) []byte {
	out := make([]byte, 0, len(shell)+len(insertion))
	out = append(out, shell[:at]...)
	out = append(out, insertion...)
	out = append(out, shell[at:]...)
	return out
}

// bodyTagEnd returns the index right after the closing '>' of the
// first <body ...> opening tag, or -1 if none is found.
func bodyTagEnd(shell []byte) int {
	start := indexFold(shell, bodyOpenTag)
	if start < 0 {
		return -1
	}
	rel := bytes.IndexByte(shell[start:], '>')
	if rel < 0 {
		return -1
	}
	return start + rel + 1
}

// indexFold is a case-insensitive bytes.Index over ASCII tag names.
func indexFold(haystack, needle []byte) int {
	return bytes.Index(bytes.ToLower(haystack), bytes.ToLower(needle))
}
