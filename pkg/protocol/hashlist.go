package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// List item types.
const (
	ListTypeFile = "file"
	ListTypeTag  = "tag"
)

// Hashes identifies a listed file. Any subset may be known.
type Hashes struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	SSDeep string `json:"ssdeep,omitempty"`
	TLSH   string `json:"tlsh,omitempty"`
}

// ListTag is the tag a "tag" item matches.
type ListTag struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ListSource records who listed an item and why.
type ListSource struct {
	Name   string   `json:"name"`
	Reason []string `json:"reason,omitempty"`
	Type   string   `json:"type"` // "user" or "external"
}

// ListItem is a safelist or badlist entry: a known file or a known tag.
type ListItem struct {
	Added          time.Time    `json:"added"`
	Updated        time.Time    `json:"updated"`
	Classification string       `json:"classification,omitempty"`
	Enabled        bool         `json:"enabled"`
	Hashes         Hashes       `json:"hashes"`
	Sources        []ListSource `json:"sources,omitempty"`
	Tag            *ListTag     `json:"tag,omitempty"`
	Type           string       `json:"type"`
}

// ID is the item's lookup key: the strongest known hash of a file, or the
// sha256 of "<type>: <value>" for a tag.
func (i *ListItem) ID() string {
	if i.Type == ListTypeTag && i.Tag != nil {
		sum := sha256.Sum256([]byte(i.Tag.Type + ": " + i.Tag.Value))
		return hex.EncodeToString(sum[:])
	}
	for _, h := range []string{i.Hashes.SHA256, i.Hashes.SHA1, i.Hashes.MD5} {
		if h != "" {
			return strings.ToLower(h)
		}
	}
	return ""
}

// Validate checks the item can be stored and found again.
func (i *ListItem) Validate() error {
	switch i.Type {
	case ListTypeFile:
		if i.ID() == "" {
			return &MalformedPayloadError{Field: "hashes", Reason: "a file item needs a sha256, sha1 or md5"}
		}
	case ListTypeTag:
		if i.Tag == nil || i.Tag.Type == "" || i.Tag.Value == "" {
			return &MalformedPayloadError{Field: "tag", Reason: "a tag item needs a type and a value"}
		}
	default:
		return &MalformedPayloadError{Field: "type", Reason: "must be file or tag"}
	}
	return nil
}
