package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// TTLs for recurring quiz entities.
const (
	UserTTL          = 2 * time.Minute
	QuestionsTTL     = 30 * time.Minute
	TestResultsTTL   = 5 * time.Minute
	UnlockedTestsTTL = 5 * time.Minute
)

// SetJSON marshals v and stores it under key.
func SetJSON[T any](m *Memory, key Key, v T, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key.Kind, err)
	}
	m.Set(key.String(), b, ttl)
	return nil
}

// GetJSON reads key and decodes it into a T. An entry that no longer decodes
// is dropped and reported as a miss.
func GetJSON[T any](m *Memory, key Key) (T, bool) {
	var out T
	if !m.getDecoded(key.String(), func(b []byte) error { return json.Unmarshal(b, &out) }) {
		var zero T
		return zero, false
	}
	return out, true
}

// SetUser caches a user profile document.
func (m *Memory) SetUser(userID string, user any) error {
	return SetJSON(m, UserKey(userID), user, UserTTL)
}

// GetUser decodes the cached profile into dst.
func (m *Memory) GetUser(userID string, dst any) bool {
	return m.getInto(UserKey(userID), dst)
}

// PeekUser returns the raw cached profile without counting a read.
func (m *Memory) PeekUser(userID string) ([]byte, bool) {
	return m.Peek(UserKey(userID).String())
}

// SetUserRaw stores an already-encoded profile document.
func (m *Memory) SetUserRaw(userID string, raw []byte) {
	m.Set(UserKey(userID).String(), raw, UserTTL)
}

func (m *Memory) SetQuestions(topicID string, testNumber int, questions any) error {
	return SetJSON(m, QuestionsKey(topicID, testNumber), questions, QuestionsTTL)
}

func (m *Memory) GetQuestions(topicID string, testNumber int, dst any) bool {
	return m.getInto(QuestionsKey(topicID, testNumber), dst)
}

func (m *Memory) SetTestResults(userID, topicKey string, results any) error {
	return SetJSON(m, TestResultsKey(userID, topicKey), results, TestResultsTTL)
}

func (m *Memory) GetTestResults(userID, topicKey string, dst any) bool {
	return m.getInto(TestResultsKey(userID, topicKey), dst)
}

func (m *Memory) SetUnlockedTests(userID, topicKey string, tests []int) error {
	return SetJSON(m, UnlockedTestsKey(userID, topicKey), tests, UnlockedTestsTTL)
}

func (m *Memory) GetUnlockedTests(userID, topicKey string) ([]int, bool) {
	return GetJSON[[]int](m, UnlockedTestsKey(userID, topicKey))
}

func (m *Memory) getInto(key Key, dst any) bool {
	return m.getDecoded(key.String(), func(b []byte) error { return json.Unmarshal(b, dst) })
}
