package model

import "time"

// FileInfo describes a file stored in a resource folder.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Metadata is the descriptor kept next to the files of a resource folder.
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Version     string    `json:"version"`
	Author      string    `json:"author"`
	UpdatedAt   time.Time `json:"updated_at"`
}
