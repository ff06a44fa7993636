package ids

import "github.com/google/uuid"

// NewConversationID returns a random UUID string used to tag a chat
// conversation.
func NewConversationID() string {
	return uuid.NewString()
}
