package history

import "time"

// Turn is one stored message in a thread.
type Turn struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	ThreadKey string    `json:"thread_key"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
