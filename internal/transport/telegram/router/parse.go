package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// commandPrefixes are accepted in front of a command word. The full-width
// slash is what CJK input methods produce for "/".
var commandPrefixes = []string{"/", "／"}

// trimCommandPrefix returns text without its command prefix, and false when
// text is not a command.
func trimCommandPrefix(text string) (string, bool) {
	for _, p := range commandPrefixes {
		if rest, ok := strings.CutPrefix(text, p); ok && rest != "" {
			return rest, true
		}
	}
	return "", false
}

var ridSeq atomic.Uint64

// newReqID returns a short id: base36 time, sequence and two random chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	suffix := []byte{alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))]}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + string(suffix)
}

// tokenizeCommandLine splits on whitespace, honouring single or double
// quotes and backslash escapes:
//
//	/contact 42 "hi there" --force
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote rune
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, r := range strings.TrimSpace(s) {
		switch {
		case esc:
			buf.WriteRune(r)
			esc = false
		case r == '\\':
			esc = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				buf.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and flags.
//
//	--k=v, --k v, --flag   long forms
//	-k=v, -k v, -abc       short forms (-abc sets bools a, b, c)
//
// A lone "-" or a negative number stays positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	takesValue := func(i int) bool { return i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") }

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case strings.HasPrefix(a, "--") && len(a) > 2:
			key := a[2:]
			if k, v, ok := strings.Cut(key, "="); ok {
				flags[k] = v
			} else if takesValue(i) {
				flags[key] = args[i+1]
				i++
			} else {
				bools[key] = true
			}
		case strings.HasPrefix(a, "-") && len(a) > 1 && !isNumber(a):
			key := a[1:]
			if k, v, ok := strings.Cut(key, "="); ok {
				flags[k] = v
			} else if len(key) == 1 && takesValue(i) {
				flags[key] = args[i+1]
				i++
			} else {
				for _, r := range key {
					bools[string(r)] = true
				}
			}
		default:
			pos = append(pos, a)
		}
	}
	return pos, flags, bools
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
