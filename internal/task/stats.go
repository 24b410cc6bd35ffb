package task

// TaskStats 汇总一组运行的状态分布。
// Retrying 统计仍会被重试的失败运行，它们同时计入 Failed。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Retrying        int   `json:"retrying"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Active 返回尚未结束的运行数量。
func (s TaskStats) Active() int {
	return s.Pending + s.Running + s.Retrying
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		if !task.Terminal() {
			s.Retrying++
		}
	}
	if task.UpdatedAt == 0 {
		return
	}
	s.NewestUpdatedAt = max(s.NewestUpdatedAt, task.UpdatedAt)
	if s.OldestUpdatedAt == 0 {
		s.OldestUpdatedAt = task.UpdatedAt
	}
	s.OldestUpdatedAt = min(s.OldestUpdatedAt, task.UpdatedAt)
}
