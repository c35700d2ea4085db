package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oselabs/agentdesk/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the conversation store using a BoltDB backend for persistent storage of
// conversations and their messages. It provides atomic operations through a key-value storage
// model: one bucket of conversation records plus one message bucket per conversation.
type BoltDB struct {
	db *bolt.DB
}

const conversationsBucket = "conversations"

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the
// database with required buckets and returns an error if the database cannot be opened or
// initialized. The database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(conversationsBucket))
		return err
	})

	return BoltDB{db: db}, err
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("messages-%s", conversationID))
}

// Conversations retrieves stored conversation records in reverse chronological order, without
// their messages. A limit of zero or less returns all of them.
func (b BoltDB) Conversations(_ context.Context, limit int) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			conversations = append(conversations, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(conversations)
	if limit > 0 && len(conversations) > limit {
		conversations = conversations[:limit]
	}
	return conversations, nil
}

// Conversation retrieves one conversation record together with its messages in stored order.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return fmt.Errorf("conversation %s not found", id)
		}

		v := bkt.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("conversation %s not found", id)
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		msgBkt := tx.Bucket(messageBucketName(id))
		if msgBkt == nil {
			return nil
		}
		return msgBkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			conv.Messages = append(conv.Messages, message)
			return nil
		})
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// CreateConversation stores a new empty conversation record and creates its message bucket. It
// generates a unique ID by combining a sequence number with a fresh UUID so listing order
// follows creation order.
func (b BoltDB) CreateConversation(context.Context) (models.Conversation, error) {
	conv := models.Conversation{
		CreatedAt: time.Now(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		idPrefix, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		conv.ID = fmt.Sprintf("%d-%s", idPrefix, uuid.New().String())

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(conv.ID), v)
	})

	return conv, err
}

// DeleteConversation removes a conversation record and its message bucket. Deleting an unknown
// conversation is silently ignored.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		if err := bkt.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}

		if tx.Bucket(messageBucketName(id)) == nil {
			return nil
		}
		return tx.DeleteBucket(messageBucketName(id))
	})
}

// AppendMessage stores a new message in the conversation's message bucket. It generates a
// sequence-prefixed key so messages iterate in append order, and returns the stored message ID.
func (b BoltDB) AppendMessage(_ context.Context, conversationID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return fmt.Errorf("conversation %s not found", conversationID)
		}

		idPrefix, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateTitle modifies the title of an existing conversation. If the conversation doesn't
// exist, the operation is silently ignored.
func (b BoltDB) UpdateTitle(_ context.Context, id, title string) error {
	return b.updateConversation(id, func(conv *models.Conversation) {
		conv.Title = title
	})
}

// UpdateBackendID records the backend's identity for an existing conversation. If the
// conversation doesn't exist, the operation is silently ignored.
func (b BoltDB) UpdateBackendID(_ context.Context, id, backendID string) error {
	return b.updateConversation(id, func(conv *models.Conversation) {
		conv.BackendID = backendID
	})
}

func (b BoltDB) updateConversation(id string, mutate func(*models.Conversation)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		v := bkt.Get([]byte(id))
		if v == nil {
			return nil
		}

		var conv models.Conversation
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		mutate(&conv)

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(id), v)
	})
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
