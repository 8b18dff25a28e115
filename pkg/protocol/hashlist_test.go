package protocol_test

import (
	"errors"
	"testing"

	"taskbroker/pkg/protocol"
)

func TestListItemIDPrefersStrongestHash(t *testing.T) {
	item := protocol.ListItem{Type: protocol.ListTypeFile, Hashes: protocol.Hashes{MD5: "D41D8CD98F00B204E9800998ECF8427E"}}
	if got := item.ID(); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Fatalf("md5-only item id = %q", got)
	}
	item.Hashes.SHA256 = testSHA
	if got := item.ID(); got != testSHA {
		t.Fatalf("item with sha256 id = %q, want %q", got, testSHA)
	}
}

func TestListItemIDForTag(t *testing.T) {
	a := protocol.ListItem{Type: protocol.ListTypeTag, Tag: &protocol.ListTag{Type: "network.static.domain", Value: "bad.example"}}
	b := protocol.ListItem{Type: protocol.ListTypeTag, Tag: &protocol.ListTag{Type: "network.dynamic.domain", Value: "bad.example"}}
	if len(a.ID()) != 64 {
		t.Fatalf("tag id should be a sha256, got %q", a.ID())
	}
	if a.ID() == b.ID() {
		t.Fatal("tag type must be part of the id")
	}
}

func TestListItemValidate(t *testing.T) {
	cases := map[string]protocol.ListItem{
		"no type":       {Hashes: protocol.Hashes{SHA256: testSHA}},
		"file no hash":  {Type: protocol.ListTypeFile},
		"tag no value":  {Type: protocol.ListTypeTag, Tag: &protocol.ListTag{Type: "network.static.domain"}},
		"tag no struct": {Type: protocol.ListTypeTag},
	}
	for name, item := range cases {
		var malformed *protocol.MalformedPayloadError
		if err := item.Validate(); !errors.As(err, &malformed) {
			t.Errorf("%s: expected MalformedPayloadError, got %v", name, err)
		}
	}

	ok := protocol.ListItem{Type: protocol.ListTypeFile, Hashes: protocol.Hashes{SHA256: testSHA}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid file item: %v", err)
	}
}
