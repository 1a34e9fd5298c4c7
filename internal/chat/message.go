package chat

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/genai"
)

// Role names accepted in Turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleModel     = "model"
)

// Turn is one text-only entry of a conversation kept by the caller.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryFromTurns maps caller-held turns onto model contents. Assistant
// turns are sent with the model role; empty turns are skipped.
func HistoryFromTurns(turns []Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if t.Role == RoleAssistant || t.Role == RoleModel {
			role = genai.RoleModel
		}
		history = append(history, genai.NewContentFromText(t.Content, role))
	}
	return history
}

// Attachment is a file sent alongside the user's text.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// AttachmentFromFile reads path and guesses its MIME type from the
// extension, falling back to content sniffing.
func AttachmentFromFile(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return Attachment{Filename: filepath.Base(path), MIMEType: mimeType, Data: data}, nil
}

// IsText reports whether the attachment is inlined as text.
func (a Attachment) IsText() bool {
	mt := strings.ToLower(a.MIMEType)
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml",
		mt == "application/yaml", mt == "application/x-yaml":
		return true
	}
	return false
}

// Part converts the attachment to a content part.
func (a Attachment) Part() *genai.Part {
	if a.IsText() {
		return genai.NewPartFromText(fmt.Sprintf("File: %s\n\n%s", a.Filename, a.Data))
	}
	return genai.NewPartFromBytes(a.Data, a.MIMEType)
}

// Message is one user request. A nil History keeps whatever the client
// already holds; a non-nil one replaces it.
type Message struct {
	Text        string
	History     []*genai.Content
	Attachments []Attachment
}

// Parts returns the request parts with attachments ahead of the text.
func (m Message) Parts() []*genai.Part {
	parts := make([]*genai.Part, 0, len(m.Attachments)+1)
	for _, a := range m.Attachments {
		parts = append(parts, a.Part())
	}
	if m.Text != "" {
		parts = append(parts, genai.NewPartFromText(m.Text))
	}
	return parts
}
