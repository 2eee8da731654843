package batch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"quizcache/internal/docstore"
)

// UsersCollection holds user profile documents.
const UsersCollection = "users"

// ErrInvalidField is returned when a builder argument cannot be used as a
// field path segment.
var ErrInvalidField = errors.New("batch: invalid field path segment")

// StatsDelta is a partial stats change. Nil fields are left untouched.
type StatsDelta struct {
	Correct     *int
	Total       *int // also counts one quiz
	Experience  *int
	Coins       *int
	Energy      *int // absolute value, not a delta
	SessionTime *int
}

// ActivityDelta is a partial change to one day of activity. Nil fields are
// left untouched.
type ActivityDelta struct {
	QuestionsSolved *int
	CorrectAnswers  *int
	TimeSpent       *int
}

// TestResult is stored under testResults.<topic>.<testNumber>.
type TestResult struct {
	Score      int
	Total      int
	Percentage float64
	Completed  bool
	Attempts   int
}

func (r TestResult) fields() map[string]any {
	return map[string]any{
		"score":      r.Score,
		"total":      r.Total,
		"percentage": r.Percentage,
		"completed":  r.Completed,
		"attempts":   r.Attempts,
	}
}

// Int returns a pointer to n, for filling StatsDelta and ActivityDelta.
func Int(n int) *int { return &n }

// UpdateUser queues a field update on the user document. An empty update
// queues nothing.
func (m *Manager) UpdateUser(userID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return m.AddOperation(docstore.Operation{
		Type:       docstore.OpUpdate,
		Collection: UsersCollection,
		DocID:      userID,
		Data:       updates,
	})
}

// UpdateUserStats queues increments for the counters set in d.
func (m *Manager) UpdateUserStats(userID string, d StatsDelta) error {
	updates := map[string]any{}
	if d.Correct != nil {
		updates["stats.correctAnswers"] = docstore.Inc(float64(*d.Correct))
	}
	if d.Total != nil {
		updates["stats.totalQuestions"] = docstore.Inc(float64(*d.Total))
		updates["stats.totalQuizzes"] = docstore.Inc(1)
	}
	if d.Experience != nil {
		updates["stats.experience"] = docstore.Inc(float64(*d.Experience))
	}
	if d.Coins != nil {
		updates["coins"] = docstore.Inc(float64(*d.Coins))
	}
	if d.Energy != nil {
		updates["energy"] = *d.Energy
	}
	if d.SessionTime != nil {
		updates["totalSessionTime"] = docstore.Inc(float64(*d.SessionTime))
	}
	return m.UpdateUser(userID, updates)
}

// UpdateDailyActivity queues increments under stats.dailyActivity.<date>.
func (m *Manager) UpdateDailyActivity(userID, date string, d ActivityDelta) error {
	if err := checkSegment("date", date); err != nil {
		return err
	}
	prefix := "stats.dailyActivity." + date + "."
	updates := map[string]any{}
	if d.QuestionsSolved != nil {
		updates[prefix+"questionsSolved"] = docstore.Inc(float64(*d.QuestionsSolved))
	}
	if d.CorrectAnswers != nil {
		updates[prefix+"correctAnswers"] = docstore.Inc(float64(*d.CorrectAnswers))
	}
	if d.TimeSpent != nil {
		updates[prefix+"timeSpent"] = docstore.Inc(float64(*d.TimeSpent))
	}
	return m.UpdateUser(userID, updates)
}

// UpdateJokerUsage counts one use of jokerType, or grants one more when
// used is false.
func (m *Manager) UpdateJokerUsage(userID, jokerType string, used bool) error {
	if err := checkSegment("joker type", jokerType); err != nil {
		return err
	}
	path := "jokers." + jokerType + ".count"
	if used {
		path = "jokersUsed." + jokerType
	}
	return m.UpdateUser(userID, map[string]any{path: docstore.Inc(1)})
}

func (m *Manager) SaveTestResult(userID, topicKey string, testNumber int, r TestResult) error {
	if err := checkSegment("topic key", topicKey); err != nil {
		return err
	}
	path := "testResults." + topicKey + "." + strconv.Itoa(testNumber)
	return m.UpdateUser(userID, map[string]any{path: r.fields()})
}

// UnlockTest adds testNumber to unlockedTests.<topic> if not already there.
func (m *Manager) UnlockTest(userID, topicKey string, testNumber int) error {
	if err := checkSegment("topic key", topicKey); err != nil {
		return err
	}
	return m.UpdateUser(userID, map[string]any{
		"unlockedTests." + topicKey: docstore.Union(testNumber),
	})
}

func checkSegment(name, s string) error {
	if s == "" || strings.Contains(s, ".") {
		return fmt.Errorf("%w: %s %q", ErrInvalidField, name, s)
	}
	return nil
}
