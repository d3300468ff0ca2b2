// Package history persists conversations and their messages in a local
// SQLite database under the data directory.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DBFileName is the history database under the data directory.
const DBFileName = "chat_history.db"

const titleLimit = 30

// Conversation is one chat thread. Timestamps are RFC3339 strings as
// stored.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Message is one turn inside a conversation. Sources carries the parsed
// citation payload the assistant answered with, nil for user turns.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	Sources        interface{} `json:"sources"`
	CreatedAt      string      `json:"created_at"`
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the history database in dataDir.
func NewStore(dataDir string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("打开历史数据库失败: %w", err)
	}
	// SQLite 单写者，串行化连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT,
			role TEXT,
			content TEXT,
			sources TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("初始化历史表失败: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// titleFromContent truncates the first user message into a conversation
// title.
func titleFromContent(content string) string {
	runes := []rune(content)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "..."
	}
	return content
}

// CreateConversation inserts a new conversation and returns its id.
func (s *Store) CreateConversation(title string) (string, error) {
	id := uuid.New().String()
	ts := now()
	_, err := s.db.Exec(
		"INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, title, ts, ts)
	if err != nil {
		return "", fmt.Errorf("创建会话失败: %w", err)
	}
	return id, nil
}

// AddMessage appends a message, creating the conversation on the fly.
// The first user message sets the conversation title; a conversation
// opened by an assistant message starts as "New Chat" until a user turn
// arrives.
func (s *Store) AddMessage(conversationID, role, content string, sources interface{}) error {
	ts := now()

	var exists int
	err := s.db.QueryRow(
		"SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		title := titleFromContent(content)
		if role == "assistant" {
			title = "New Chat"
		}
		if _, err := s.db.Exec(
			"INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
			conversationID, title, ts, ts); err != nil {
			return fmt.Errorf("创建会话失败: %w", err)
		}
	case err != nil:
		return fmt.Errorf("查询会话失败: %w", err)
	default:
		if _, err := s.db.Exec(
			"UPDATE conversations SET updated_at = ? WHERE id = ?", ts, conversationID); err != nil {
			return fmt.Errorf("更新会话时间失败: %w", err)
		}
		if role == "user" {
			var count int
			if err := s.db.QueryRow(
				"SELECT count(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&count); err != nil {
				return fmt.Errorf("统计消息失败: %w", err)
			}
			if count <= 1 {
				if _, err := s.db.Exec(
					"UPDATE conversations SET title = ? WHERE id = ?",
					titleFromContent(content), conversationID); err != nil {
					return fmt.Errorf("更新会话标题失败: %w", err)
				}
			}
		}
	}

	var sourcesJSON sql.NullString
	if sources != nil {
		data, err := sonic.Marshal(sources)
		if err != nil {
			return fmt.Errorf("序列化来源失败: %w", err)
		}
		sourcesJSON = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := s.db.Exec(
		"INSERT INTO messages (conversation_id, role, content, sources, created_at) VALUES (?, ?, ?, ?, ?)",
		conversationID, role, content, sourcesJSON, ts); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

// Conversations lists threads newest-updated first.
func (s *Store) Conversations(limit int) ([]Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("读取会话列表失败: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描会话失败: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Messages returns the full transcript of a conversation in insertion
// order. Broken sources JSON degrades to an empty list.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, sources, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("读取消息失败: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m           Message
			sourcesJSON sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sourcesJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描消息失败: %w", err)
		}
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			var parsed interface{}
			if err := sonic.UnmarshalString(sourcesJSON.String, &parsed); err != nil {
				parsed = []interface{}{}
			}
			m.Sources = parsed
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteConversation removes a thread and its messages.
func (s *Store) DeleteConversation(conversationID string) error {
	if _, err := s.db.Exec(
		"DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("删除消息失败: %w", err)
	}
	if _, err := s.db.Exec(
		"DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	return nil
}
