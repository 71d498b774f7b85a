package gateway

import "context"

// Adapter posts notices to one chat platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Post(ctx context.Context, n *Notice) error
	Close() error
}

// NoticeKind categorizes notices.
type NoticeKind string

const (
	NoticeContribution NoticeKind = "contribution"
)

// Notice is an outbound announcement. It never carries an owner id.
type Notice struct {
	Kind        NoticeKind `json:"kind"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Category    string     `json:"category"`
	Contributor string     `json:"contributor"`
	Relevance   float64    `json:"relevance"`
	Platforms   []string   `json:"platforms,omitempty"`
}
