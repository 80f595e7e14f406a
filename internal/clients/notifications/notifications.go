package notifications

import "anisphere/internal/database/models"

type Notifier interface {
	NotifyDownloadStart(task *models.Task)
	NotifyDownloadComplete(task *models.Task)
	NotifyDownloadError(task *models.Task, reason string)
	NotifyNotEnoughSpace(task *models.Task)
	NotifyTranscodeComplete(task *models.Task)
	NotifyTranscodeError(task *models.Task, reason string)
	Test() error
}

// Nop discards every notification. It is used when no provider is configured.
type Nop struct{}

func (Nop) NotifyDownloadStart(*models.Task)          {}
func (Nop) NotifyDownloadComplete(*models.Task)       {}
func (Nop) NotifyDownloadError(*models.Task, string)  {}
func (Nop) NotifyNotEnoughSpace(*models.Task)         {}
func (Nop) NotifyTranscodeComplete(*models.Task)      {}
func (Nop) NotifyTranscodeError(*models.Task, string) {}
func (Nop) Test() error                               { return nil }

// taskName is the human readable name of a task for notification titles.
func taskName(task *models.Task) string {
	if task.Filename != "" {
		return task.Filename
	}
	if task.TorrentURL != nil {
		return *task.TorrentURL
	}
	return "task"
}
