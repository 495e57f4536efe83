// Package content holds the per-owner document repositories: commit chains,
// refs, metadata and blobs. Each owner ("scope") gets an independent Store
// handle from a Factory.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrCommitCycle indicates that following parent links revisits a commit.
	ErrCommitCycle = errors.New("content: commit cycle")
	// ErrBrokenChain indicates that a parent link points at a commit that is not stored.
	ErrBrokenChain = errors.New("content: broken commit chain")
)

// Commit is one edit operation appended to a document chain.
type Commit struct {
	Sha       string          `json:"sha"`
	Parent    string          `json:"parent,omitempty"`
	Op        json.RawMessage `json:"op,omitempty"`
	Author    string          `json:"author,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Refs names the pointers into a document chain.
type Refs struct {
	Master string `json:"master,omitempty"`
	Tail   string `json:"tail,omitempty"`
}

// Info summarises a stored document without its commits.
type Info struct {
	ID        string         `json:"id"`
	Creator   string         `json:"creator"`
	Meta      map[string]any `json:"meta"`
	Refs      Refs           `json:"refs"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Document is a stored document together with its chain, oldest commit first.
type Document struct {
	Info
	Commits []Commit `json:"commits"`
}

// Store is the repository of one owner scope.
type Store interface {
	Scope() string
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, id string, meta map[string]any) (Info, error)
	Get(ctx context.Context, id string) (Document, error)
	GetInfo(ctx context.Context, id string) (Info, error)
	List(ctx context.Context) ([]Info, error)
	Update(ctx context.Context, id string, commits []Commit, meta map[string]any, refs *Refs) error
	Delete(ctx context.Context, id string) error
	Commits(ctx context.Context, id, last, since string) ([]Commit, error)
	GetRefs(ctx context.Context, id string) (Refs, error)
	SetRefs(ctx context.Context, id string, refs Refs) error
	CreateBlob(ctx context.Context, id, blobID string, data []byte) error
	GetBlob(ctx context.Context, id, blobID string) ([]byte, error)
	DeleteBlob(ctx context.Context, id, blobID string) error
	ListBlobs(ctx context.Context, id string) ([]string, error)
	BlobExists(ctx context.Context, id, blobID string) (bool, error)
}

// Factory hands out Store handles per owner. Handles from one factory share a Locker.
type Factory interface {
	ForOwner(owner string) Store
}
