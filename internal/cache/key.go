package cache

import (
	"strconv"
	"strings"
)

// Kind names the entity a cache key refers to.
type Kind string

const (
	KindUser          Kind = "user"
	KindQuestions     Kind = "questions"
	KindTestResults   Kind = "testResults"
	KindUnlockedTests Kind = "unlockedTests"
)

// userScoped reports whether the first key part of k is a user id.
func (k Kind) userScoped() bool {
	switch k {
	case KindUser, KindTestResults, KindUnlockedTests:
		return true
	}
	return false
}

// Key is a structured cache key. Parts are escaped when serialized so that
// keys of different shapes never produce the same string.
type Key struct {
	Kind  Kind
	Parts []string
}

// String converts the structured key into the final string used in the map.
//
//	<KIND>_<PART1>_<PART2>...
//
// '\' and '_' inside parts are backslash-escaped.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	for _, p := range k.Parts {
		b.WriteByte('_')
		b.WriteString(escapePart(p))
	}
	return b.String()
}

// UserID returns the owning user for user-scoped kinds.
func (k Key) UserID() (string, bool) {
	if !k.Kind.userScoped() || len(k.Parts) == 0 {
		return "", false
	}
	return k.Parts[0], true
}

// ParseKey reverses Key.String. It returns false for keys that were not
// produced by a key builder.
func ParseKey(s string) (Key, bool) {
	var (
		parts []string
		cur   strings.Builder
		esc   bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			if c != '_' && c != '\\' {
				return Key{}, false
			}
			cur.WriteByte(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '_':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if esc {
		return Key{}, false
	}
	parts = append(parts, cur.String())

	kind := Kind(parts[0])
	switch kind {
	case KindUser, KindQuestions, KindTestResults, KindUnlockedTests:
	default:
		return Key{}, false
	}
	return Key{Kind: kind, Parts: parts[1:]}, true
}

func escapePart(p string) string {
	if !strings.ContainsAny(p, `_\`) {
		return p
	}
	r := strings.NewReplacer(`\`, `\\`, `_`, `\_`)
	return r.Replace(p)
}

func UserKey(userID string) Key {
	return Key{Kind: KindUser, Parts: []string{strings.TrimSpace(userID)}}
}

func QuestionsKey(topicID string, testNumber int) Key {
	return Key{Kind: KindQuestions, Parts: []string{strings.TrimSpace(topicID), strconv.Itoa(testNumber)}}
}

func TestResultsKey(userID, topicKey string) Key {
	return Key{Kind: KindTestResults, Parts: []string{strings.TrimSpace(userID), strings.TrimSpace(topicKey)}}
}

func UnlockedTestsKey(userID, topicKey string) Key {
	return Key{Kind: KindUnlockedTests, Parts: []string{strings.TrimSpace(userID), strings.TrimSpace(topicKey)}}
}
