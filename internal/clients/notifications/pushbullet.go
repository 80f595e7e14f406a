package notifications

import (
	"fmt"

	"anisphere/internal/database/models"
	"anisphere/internal/utils"

	"github.com/xconstruct/go-pushbullet"
)

// PushbulletClient implements the Notifier interface for Pushbullet.
type PushbulletClient struct {
	pb     *pushbullet.Client
	logger *utils.Logger
	push   func(title, body string) error
}

// NewPushbulletClient creates a new client for sending Pushbullet notifications.
func NewPushbulletClient(apiKey string, logger *utils.Logger) *PushbulletClient {
	c := &PushbulletClient{
		pb:     pushbullet.New(apiKey),
		logger: logger,
	}
	c.push = c.sendPush
	return c
}

// sendPush sends a note to all of the user's devices.
func (c *PushbulletClient) sendPush(title, body string) error {
	// An empty device iden means all devices.
	return c.pb.PushNote("", title, body)
}

func (c *PushbulletClient) send(title, body string) {
	if err := c.push(title, body); err != nil {
		c.logger.Error("Error sending Pushbullet notification:", err)
	}
}

func (c *PushbulletClient) NotifyDownloadStart(task *models.Task) {
	c.send(fmt.Sprintf("Download Started: %s", taskName(task)), fmt.Sprintf("Task %d was sent to the torrent client", task.ID))
}

func (c *PushbulletClient) NotifyDownloadComplete(task *models.Task) {
	c.send(fmt.Sprintf("Download Complete: %s", taskName(task)), fmt.Sprintf("Finished downloading %s", task.FilePath))
}

func (c *PushbulletClient) NotifyDownloadError(task *models.Task, reason string) {
	c.send(fmt.Sprintf("Error downloading %s", taskName(task)), reason)
}

func (c *PushbulletClient) NotifyNotEnoughSpace(task *models.Task) {
	c.send(fmt.Sprintf("Error transcoding %s", taskName(task)), "Not enough space on disk")
}

func (c *PushbulletClient) NotifyTranscodeComplete(task *models.Task) {
	body := "HLS stream is ready"
	if task.TranscodeOutputPath != nil {
		body = fmt.Sprintf("HLS stream is ready at %s", *task.TranscodeOutputPath)
	}
	c.send(fmt.Sprintf("Ready to Watch: %s", taskName(task)), body)
}

func (c *PushbulletClient) NotifyTranscodeError(task *models.Task, reason string) {
	c.send(fmt.Sprintf("Error transcoding %s", taskName(task)), reason)
}

// Test verifies the API key is valid by fetching user info.
func (c *PushbulletClient) Test() error {
	if _, err := c.pb.Me(); err != nil {
		return fmt.Errorf("pushbullet authentication failed: %w", err)
	}
	return nil
}
