package batch

import "context"

// The Flush helpers queue one change and commit the queue right away, for
// call sites that must know the write landed (purchases, unlocks).

func (m *Manager) FlushUserStats(ctx context.Context, userID string, d StatsDelta) error {
	if err := m.UpdateUserStats(userID, d); err != nil {
		return err
	}
	return m.Execute(ctx)
}

func (m *Manager) FlushDailyActivity(ctx context.Context, userID, date string, d ActivityDelta) error {
	if err := m.UpdateDailyActivity(userID, date, d); err != nil {
		return err
	}
	return m.Execute(ctx)
}

func (m *Manager) FlushTestResult(ctx context.Context, userID, topicKey string, testNumber int, r TestResult) error {
	if err := m.SaveTestResult(userID, topicKey, testNumber, r); err != nil {
		return err
	}
	return m.Execute(ctx)
}

func (m *Manager) FlushUnlockTest(ctx context.Context, userID, topicKey string, testNumber int) error {
	if err := m.UnlockTest(userID, topicKey, testNumber); err != nil {
		return err
	}
	return m.Execute(ctx)
}
